package tractor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Option configures a Controller.
type Option func(*Controller)

// WithDispatcher sets the dispatcher used by Execute.
func WithDispatcher(d *Dispatcher) Option {
	return func(c *Controller) { c.dispatcher = d }
}

// WithNotifier sets the receiver of lifecycle events.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithClock sets the time source used for validity windows.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithAttestations sets the self-signing registry. By default the ledger is
// used when it implements Attestations.
func WithAttestations(a Attestations) Option {
	return func(c *Controller) { c.attestations = a }
}

// WithSigners sets the directory of programmatic publishers. The controller
// registers itself in it under its instance address.
func WithSigners(s *Signers) Option {
	return func(c *Controller) { c.signers = s }
}

// WithMetrics sets the operation observer.
func WithMetrics(m Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithMaxDelegationDepth bounds nested delegated verification.
func WithMaxDelegationDepth(depth int) Option {
	return func(c *Controller) { c.maxDepth = depth }
}

// Controller runs the publish, use and destroy lifecycle of signed
// blueprints for one deployed instance.
//
// Operations on the same blueprint hash are serialized by the ledger's lock:
// the ceiling check, the delegated effect, the ledger update and the
// notification happen under it, so concurrent uses near the ceiling are
// admitted in lock order and the rest fail with ErrCeilingReached. This holds
// for every controller sharing the ledger.
type Controller struct {
	domain       Domain
	ledger       Ledger
	attestations Attestations
	signers      *Signers
	verifier     *Verifier
	dispatcher   *Dispatcher
	notifier     Notifier
	metrics      Metrics
	now          func() time.Time
	logger       *slog.Logger
	maxDepth     int
}

// NewController creates a controller for domain d backed by ledger.
func NewController(d Domain, ledger Ledger, opts ...Option) *Controller {
	c := &Controller{
		domain: d,
		ledger: ledger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.attestations == nil {
		if a, ok := ledger.(Attestations); ok {
			c.attestations = a
		} else {
			c.attestations = NewMemoryLedger()
		}
	}
	if c.signers == nil {
		c.signers = NewSigners()
	}
	if c.dispatcher == nil {
		c.dispatcher = NewDispatcher()
	}
	if c.notifier == nil {
		c.notifier = Notifiers(nil)
	}
	if c.metrics == nil {
		c.metrics = nopMetrics{}
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "tractor")
	}
	if d.Instance != "" {
		c.signers.Register(d.Instance, c)
	}
	c.verifier = NewVerifier(d, c.signers, c.maxDepth)
	return c
}

// Address returns the identity this instance publishes under.
func (c *Controller) Address() Address { return c.domain.Instance }

// Domain returns the domain blueprints are hashed under.
func (c *Controller) Domain() Domain { return c.domain }

// DomainSeparator returns the separator digest of the controller's domain.
func (c *Controller) DomainSeparator() Hash { return c.domain.Separator() }

// HashBlueprint returns the hash a publisher must sign for bp to be accepted
// by this controller.
func (c *Controller) HashBlueprint(bp Blueprint) Hash { return c.domain.HashBlueprint(bp) }

// Dispatcher returns the dispatcher used by Execute.
func (c *Controller) Dispatcher() *Dispatcher { return c.dispatcher }

// Uses returns the current use count of h.
func (c *Controller) Uses(ctx context.Context, h Hash) (uint64, error) {
	return c.ledger.Uses(ctx, h)
}

// Attest signs bp on behalf of this instance for a controller hashing under
// target. The blueprint's publisher must be this instance. The returned
// blueprint carries no signature bytes; verifiers confirm it by querying
// IsValidSignature.
func (c *Controller) Attest(ctx context.Context, target Domain, bp Blueprint) (SignedBlueprint, error) {
	if bp.Publisher != c.Address() {
		return SignedBlueprint{}, fmt.Errorf("%w: %s cannot attest for %s", ErrUnauthorized, c.Address(), bp.Publisher)
	}
	h := target.HashBlueprint(bp)
	if err := c.attestations.Attest(ctx, h); err != nil {
		return SignedBlueprint{}, fmt.Errorf("failed to record attestation: %w", err)
	}
	c.logger.DebugContext(ctx, "blueprint attested", "hash", h.String(), "target", target.Instance)
	return SignedBlueprint{Blueprint: bp, Hash: h}, nil
}

// IsValidSignature answers delegated verification queries: MagicAccept iff
// h was attested by this instance.
func (c *Controller) IsValidSignature(ctx context.Context, h Hash, _ []byte) (MagicValue, error) {
	ok, err := c.attestations.Attested(ctx, h)
	if err != nil {
		return MagicReject, fmt.Errorf("failed to read attestations: %w", err)
	}
	if !ok {
		return MagicReject, nil
	}
	return MagicAccept, nil
}

// Publish verifies sb and announces it. It changes no state; a blueprint
// does not need to be published before use.
func (c *Controller) Publish(ctx context.Context, sb SignedBlueprint) (err error) {
	defer c.observe(ctx, "publish", "", sb.Hash, time.Now(), &err)
	if err = c.verifier.Verify(ctx, sb); err != nil {
		return err
	}
	bp := sb.Blueprint
	c.notify(ctx, Event{Kind: EventPublished, Hash: sb.Hash, Blueprint: &bp})
	return nil
}

// Destroy permanently exhausts sb. Only the publisher may destroy.
func (c *Controller) Destroy(ctx context.Context, caller Address, sb SignedBlueprint) (err error) {
	defer c.observe(ctx, "destroy", caller, sb.Hash, time.Now(), &err)
	if err = c.verifier.Verify(ctx, sb); err != nil {
		return err
	}
	if caller != sb.Blueprint.Publisher {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller)
	}
	if held(ctx, sb.Hash) {
		return fmt.Errorf("%w: destroy of %s", ErrReentrantUse, sb.Hash)
	}
	unlock, err := c.ledger.Lock(ctx, sb.Hash)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", sb.Hash, err)
	}
	defer unlock()
	if err = c.ledger.Destroy(ctx, sb.Hash); err != nil {
		return fmt.Errorf("failed to destroy %s: %w", sb.Hash, err)
	}
	c.notify(ctx, Event{Kind: EventDestroyed, Hash: sb.Hash})
	return nil
}

// Check verifies that sb may be used now without recording a use. It is for
// callers that keep their own usage accounting.
func (c *Controller) Check(ctx context.Context, sb SignedBlueprint) (err error) {
	defer c.observe(ctx, "check", "", sb.Hash, time.Now(), &err)
	now := c.now()
	if err = c.verifier.Verify(ctx, sb); err != nil {
		return err
	}
	if err = active(sb.Blueprint, now); err != nil {
		return err
	}
	return CheckUsable(ctx, c.ledger, sb.Hash, sb.Blueprint.UseCeiling)
}

// Execute uses sb once on behalf of operator: the payload is dispatched to
// its executor with callData and the executor's result is returned. The use
// is recorded only if the executor succeeds.
func (c *Controller) Execute(ctx context.Context, operator Address, sb SignedBlueprint, callData []byte) (out []byte, err error) {
	defer c.observe(ctx, "execute", operator, sb.Hash, time.Now(), &err)
	return c.use(ctx, operator, sb, func(ctx context.Context) ([]byte, error) {
		return c.dispatcher.Dispatch(ctx, sb.Blueprint.Payload, callData)
	})
}

// Run uses sb once on behalf of operator with a caller-supplied effect in
// place of the dispatcher. The use is recorded only if effect succeeds.
func (c *Controller) Run(ctx context.Context, operator Address, sb SignedBlueprint, effect func(ctx context.Context) error) (err error) {
	defer c.observe(ctx, "run", operator, sb.Hash, time.Now(), &err)
	_, err = c.use(ctx, operator, sb, func(ctx context.Context) ([]byte, error) {
		if err := effect(ctx); err != nil {
			return nil, fmt.Errorf("effect failed: %w", err)
		}
		return nil, nil
	})
	return err
}

func (c *Controller) use(ctx context.Context, operator Address, sb SignedBlueprint, effect func(context.Context) ([]byte, error)) ([]byte, error) {
	now := c.now()
	if err := c.verifier.Verify(ctx, sb); err != nil {
		return nil, err
	}
	if err := active(sb.Blueprint, now); err != nil {
		return nil, err
	}
	if held(ctx, sb.Hash) {
		return nil, fmt.Errorf("%w: %s", ErrReentrantUse, sb.Hash)
	}

	unlock, err := c.ledger.Lock(ctx, sb.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", sb.Hash, err)
	}
	defer unlock()
	if err := CheckUsable(ctx, c.ledger, sb.Hash, sb.Blueprint.UseCeiling); err != nil {
		return nil, err
	}
	out, err := effect(withHeld(ctx, sb.Hash))
	if err != nil {
		return nil, err
	}
	if err := c.ledger.RecordUse(ctx, sb.Hash, sb.Blueprint.UseCeiling); err != nil {
		return nil, fmt.Errorf("failed to record use of %s: %w", sb.Hash, err)
	}
	c.notify(ctx, Event{Kind: EventUsed, Hash: sb.Hash, Operator: operator})
	return out, nil
}

// active enforces ValidFrom < now < ValidUntil.
func active(bp Blueprint, now time.Time) error {
	if !now.After(bp.ValidFrom) || !now.Before(bp.ValidUntil) {
		return fmt.Errorf("%w: %s outside (%s, %s)", ErrNotActive,
			now.UTC().Format(time.RFC3339Nano),
			bp.ValidFrom.UTC().Format(time.RFC3339Nano),
			bp.ValidUntil.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

func (c *Controller) notify(ctx context.Context, e Event) {
	e.ID = uuid.New()
	e.Time = c.now()
	c.notifier.Notify(ctx, e)
}

func (c *Controller) observe(ctx context.Context, op string, operator Address, h Hash, start time.Time, errp *error) {
	err := *errp
	c.metrics.Observe(ctx, op, err, time.Since(start))
	if err != nil {
		c.logger.InfoContext(ctx, "blueprint "+op+" rejected",
			"hash", h.String(),
			"operator", string(operator),
			"reason", Reason(err),
			"error", err,
		)
		return
	}
	c.logger.DebugContext(ctx, "blueprint "+op, "hash", h.String(), "operator", string(operator))
}

type heldKey struct{}

type heldHashes struct {
	hash Hash
	next *heldHashes
}

func withHeld(ctx context.Context, h Hash) context.Context {
	parent, _ := ctx.Value(heldKey{}).(*heldHashes)
	return context.WithValue(ctx, heldKey{}, &heldHashes{hash: h, next: parent})
}

func held(ctx context.Context, h Hash) bool {
	for n, _ := ctx.Value(heldKey{}).(*heldHashes); n != nil; n = n.next {
		if n.hash == h {
			return true
		}
	}
	return false
}
