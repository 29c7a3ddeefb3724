package tractor

import "time"

var blueprintTypeHash = keccak([]byte("Blueprint(address publisher,bytes payload,uint256 useCeiling,int64 validFrom,uint32 validFromNanos,int64 validUntil,uint32 validUntilNanos)"))

// HashBlueprint returns the canonical hash of bp under d. This is the value a
// publisher signs over.
func (d Domain) HashBlueprint(bp Blueprint) Hash {
	sep := d.Separator()
	structHash := structHash(bp)
	return keccak([]byte{0x19, 0x01}, sep[:], structHash[:])
}

func structHash(bp Blueprint) Hash {
	publisherHash := keccak([]byte(bp.Publisher))
	payloadHash := keccak(bp.Payload)
	ceiling := word(bp.UseCeiling)
	fromSec, fromNanos := timeWords(bp.ValidFrom)
	untilSec, untilNanos := timeWords(bp.ValidUntil)
	return keccak(
		blueprintTypeHash[:],
		publisherHash[:],
		payloadHash[:],
		ceiling[:],
		fromSec[:], fromNanos[:],
		untilSec[:], untilNanos[:],
	)
}

// timeWords splits t into seconds and nanoseconds words. Seconds are encoded
// as two's complement so instants before 1970 keep distinct encodings.
func timeWords(t time.Time) ([32]byte, [32]byte) {
	return word(uint64(t.Unix())), word(uint64(t.Nanosecond()))
}

// Recompute reports whether the attached hash matches the blueprint under d.
func (sb SignedBlueprint) Recompute(d Domain) (Hash, bool) {
	h := d.HashBlueprint(sb.Blueprint)
	return h, h == sb.Hash
}
