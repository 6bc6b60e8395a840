package auth

import (
	"context"
	"maps"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// AccountState is the lifecycle state of an account, derived from its flags
type AccountState string

const (
	AccountStateUnverified AccountState = "unverified"
	AccountStateActive     AccountState = "active"
	AccountStateInactive   AccountState = "inactive"
)

// StateOf derives the account state of user
func StateOf(user *User) AccountState {
	switch {
	case user == nil:
		return ""
	case !user.IsActive:
		return AccountStateInactive
	case !user.EmailConfirmed:
		return AccountStateUnverified
	default:
		return AccountStateActive
	}
}

// ActorRef identifies who/what triggered a transition.
type ActorRef struct {
	ID   string
	Type string
}

// TransitionMetadata captures extra context for a transition.
type TransitionMetadata struct {
	Reason   string
	Metadata map[string]any
}

// TransitionContext is passed into hooks for additional processing.
type TransitionContext struct {
	Actor ActorRef
	User  *User
	From  AccountState
	To    AccountState
	Meta  TransitionMetadata
}

// TransitionHook is executed before or after a transition.
type TransitionHook func(ctx context.Context, tc TransitionContext) error

// TransitionOption customizes a single transition.
type TransitionOption func(*transitionOptions)

// AccountStore persists account flag changes. Both methods report whether
// a row changed.
type AccountStore interface {
	ConfirmEmail(ctx context.Context, userID uuid.UUID) (bool, error)
	SetActive(ctx context.Context, userID uuid.UUID, active bool) (bool, error)
}

// AccountStateMachine defines lifecycle operations for accounts.
type AccountStateMachine interface {
	Transition(ctx context.Context, actor ActorRef, user *User, target AccountState, opts ...TransitionOption) (*User, error)
	CurrentState(user *User) AccountState
}

// StateMachineOption customizes state machine construction.
type StateMachineOption func(*accountStateMachine)

// WithStateMachineClock injects a custom clock (useful for tests).
func WithStateMachineClock(clock func() time.Time) StateMachineOption {
	return func(sm *accountStateMachine) {
		if clock != nil {
			sm.now = clock
		}
	}
}

// WithStateMachineActivitySink sets the ActivitySink used to publish lifecycle events.
func WithStateMachineActivitySink(sink ActivitySink) StateMachineOption {
	return func(sm *accountStateMachine) {
		sm.activitySink = normalizeActivitySink(sink)
	}
}

// WithStateMachineLogger overrides the logger used for sink failures.
func WithStateMachineLogger(logger Logger) StateMachineOption {
	return func(sm *accountStateMachine) {
		if logger != nil {
			sm.logger = logger
		}
	}
}

// WithTransitionReason sets the human-readable reason for the transition.
func WithTransitionReason(reason string) TransitionOption {
	return func(opts *transitionOptions) {
		opts.metadata.Reason = reason
	}
}

// WithTransitionMetadata merges metadata into the transition context.
func WithTransitionMetadata(metadata map[string]any) TransitionOption {
	return func(opts *transitionOptions) {
		if len(metadata) == 0 {
			return
		}
		if opts.metadata.Metadata == nil {
			opts.metadata.Metadata = make(map[string]any, len(metadata))
		}
		maps.Copy(opts.metadata.Metadata, metadata)
	}
}

// WithBeforeTransitionHook adds a hook executed before the flags are persisted.
func WithBeforeTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.beforeHooks = append(opts.beforeHooks, h)
		}
	}
}

// WithAfterTransitionHook adds a hook executed after the flags are persisted.
func WithAfterTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.afterHooks = append(opts.afterHooks, h)
		}
	}
}

// WithTransitionStore persists this transition through store instead of the
// machine's own, e.g. a store bound to an open transaction.
func WithTransitionStore(store AccountStore) TransitionOption {
	return func(opts *transitionOptions) {
		opts.store = store
	}
}

// WithTransitionActivitySink publishes this transition's event to sink
// instead of the machine's sink.
func WithTransitionActivitySink(sink ActivitySink) TransitionOption {
	return func(opts *transitionOptions) {
		opts.sink = sink
	}
}

// accountEdge is one allowed move between states. guard, when set, must
// accept the user; apply persists the flag change and mirrors it on user.
type accountEdge struct {
	from  AccountState
	to    AccountState
	guard func(*User) bool
	apply func(ctx context.Context, store AccountStore, user *User) error
}

func emailConfirmed(u *User) bool    { return u.EmailConfirmed }
func emailNotConfirmed(u *User) bool { return !u.EmailConfirmed }

func confirmEmail(ctx context.Context, store AccountStore, user *User) error {
	// false means a concurrent caller confirmed first, the outcome is the same
	if _, err := store.ConfirmEmail(ctx, user.ID); err != nil {
		return err
	}
	user.EmailConfirmed = true
	return nil
}

func setActive(active bool) func(context.Context, AccountStore, *User) error {
	return func(ctx context.Context, store AccountStore, user *User) error {
		if _, err := store.SetActive(ctx, user.ID, active); err != nil {
			return err
		}
		user.IsActive = active
		return nil
	}
}

// accountEdges is the lifecycle graph. Verification only moves forward and
// leaving inactive restores whatever the email flag says.
var accountEdges = []accountEdge{
	{from: AccountStateUnverified, to: AccountStateActive, apply: confirmEmail},
	{from: AccountStateUnverified, to: AccountStateInactive, apply: setActive(false)},
	{from: AccountStateActive, to: AccountStateInactive, apply: setActive(false)},
	{from: AccountStateInactive, to: AccountStateActive, guard: emailConfirmed, apply: setActive(true)},
	{from: AccountStateInactive, to: AccountStateUnverified, guard: emailNotConfirmed, apply: setActive(true)},
}

// NewAccountStateMachine returns the default implementation backed by store.
func NewAccountStateMachine(store AccountStore, opts ...StateMachineOption) AccountStateMachine {
	sm := &accountStateMachine{
		store:        store,
		edges:        accountEdges,
		now:          func() time.Time { return time.Now().UTC() },
		activitySink: noopActivitySink{},
		logger:       defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}

	return sm
}

type accountStateMachine struct {
	store        AccountStore
	edges        []accountEdge
	now          func() time.Time
	activitySink ActivitySink
	logger       Logger
}

type transitionOptions struct {
	metadata    TransitionMetadata
	beforeHooks []TransitionHook
	afterHooks  []TransitionHook
	store       AccountStore
	sink        ActivitySink
}

func (sm *accountStateMachine) Transition(ctx context.Context, actor ActorRef, user *User, target AccountState, opts ...TransitionOption) (*User, error) {
	if user == nil {
		return nil, invalidTransition("", target, "user is nil")
	}

	from := StateOf(user)
	if target == "" {
		return nil, invalidTransition(from, target, "target state is empty")
	}

	if from == target {
		return user, nil
	}

	edge, ok := sm.lookup(from, target, user)
	if !ok {
		return nil, invalidTransition(from, target, "")
	}

	options := &transitionOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}

	tc := TransitionContext{
		Actor: actor,
		User:  user,
		From:  from,
		To:    target,
		Meta:  options.metadata,
	}

	if err := runHooks(ctx, options.beforeHooks, tc); err != nil {
		return nil, err
	}

	store := sm.store
	if options.store != nil {
		store = options.store
	}

	if err := edge.apply(ctx, store, user); err != nil {
		return nil, err
	}

	if err := runHooks(ctx, options.afterHooks, tc); err != nil {
		return nil, err
	}

	sm.recordActivity(ctx, options.sink, ActivityEvent{
		EventType: ActivityEventUserStatusChanged,
		Actor:     actor,
		UserID:    user.ID.String(),
		Email:     user.Email,
		FromState: from,
		ToState:   target,
		Metadata:  transitionMetadata(tc.Meta),
	})

	return user, nil
}

func (sm *accountStateMachine) CurrentState(user *User) AccountState {
	return StateOf(user)
}

func (sm *accountStateMachine) lookup(from, to AccountState, user *User) (accountEdge, bool) {
	for _, edge := range sm.edges {
		if edge.from != from || edge.to != to {
			continue
		}
		if edge.guard != nil && !edge.guard(user) {
			return accountEdge{}, false
		}
		return edge, true
	}
	return accountEdge{}, false
}

func (sm *accountStateMachine) recordActivity(ctx context.Context, sink ActivitySink, event ActivityEvent) {
	if event.Actor == (ActorRef{}) {
		event.Actor = ActorRef{Type: "system"}
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = sm.now()
	}

	if meta, ok := RequestMetaFromContext(ctx); ok {
		event.Request = meta
	}

	if sink == nil {
		sink = normalizeActivitySink(sm.activitySink)
	}
	if err := sink.Record(ctx, event); err != nil {
		sm.logger.Warn("state machine activity sink error", "event", event.EventType, "error", err)
	}
}

func runHooks(ctx context.Context, hooks []TransitionHook, tc TransitionContext) error {
	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		if err := hook(ctx, tc); err != nil {
			return err
		}
	}
	return nil
}

func invalidTransition(from, to AccountState, reason string) error {
	metadata := map[string]any{
		"from": from,
		"to":   to,
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	return goerrors.New(ErrInvalidAccountTransition.Message, ErrInvalidAccountTransition.Category).
		WithTextCode(ErrInvalidAccountTransition.TextCode).
		WithCode(goerrors.CodeBadRequest).
		WithMetadata(metadata)
}

func transitionMetadata(meta TransitionMetadata) map[string]any {
	if meta.Reason == "" && len(meta.Metadata) == 0 {
		return nil
	}

	result := make(map[string]any, len(meta.Metadata)+1)
	maps.Copy(result, meta.Metadata)
	if meta.Reason != "" {
		result["reason"] = meta.Reason
	}
	return result
}
