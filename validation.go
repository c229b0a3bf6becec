package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultValidateConcurrency = 1024
	defaultValidateThrottle    = 8192
)

// ValidationResult represents the decision of an extended validator
type ValidationResult int

const (
	// ValidationAccept is a validation decision that indicates a valid message that should be accepted and
	// delivered to the application and forwarded to the network.
	ValidationAccept = ValidationResult(0)
	// ValidationReject is a validation decision that indicates an invalid message that should not be
	// delivered to the application or forwarded to the application. Furthermore the peer that forwarded
	// the message should be penalized by peer scoring routers.
	ValidationReject = ValidationResult(1)
	// ValidationIgnore is a validation decision that indicates a message that should be ignored: it will
	// be neither delivered to the application nor forwarded to the network. However, in contrast to
	// ValidationReject, the peer that forwarded the message must not be penalized by peer scoring routers.
	ValidationIgnore = ValidationResult(2)
	// internal
	validationThrottled = ValidationResult(-1)
)

func (r ValidationResult) String() string {
	switch r {
	case ValidationAccept:
		return "accept"
	case ValidationReject:
		return "reject"
	case ValidationIgnore:
		return "ignore"
	case validationThrottled:
		return "throttled"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// reasons a message was rejected
const (
	RejectBlacklstedPeer      = "blacklisted peer"
	RejectBlacklistedSource   = "blacklisted source"
	RejectMissingSignature    = "missing signature"
	RejectUnexpectedSignature = "unexpected signature"
	RejectUnexpectedAuthInfo  = "unexpected auth info"
	RejectInvalidSignature    = "invalid signature"
	RejectValidationThrottled = "validation throttled"
	RejectValidationFailed    = "validation failed"
	RejectValidationIgnored   = "validation ignored"
	RejectValidationCancelled = "validation cancelled"
	RejectSelfOrigin          = "self originated message"
)

// Validator is a function that validates a message with a binary decision: accept or reject.
type Validator func(context.Context, peer.ID, *Message) bool

// ValidatorEx is an extended validation function that validates a message with an enumerated decision
type ValidatorEx func(context.Context, peer.ID, *Message) ValidationResult

// ValidatorOpt is an option for RegisterTopicValidator.
type ValidatorOpt func(addVal *addValReq) error

// validation represents the validator pipeline.
// The validator pipeline performs signature validation and runs a
// sequence of user-configured validators per-topic. Inline validators run on
// the event loop; the rest run in goroutines bounded by a global and a per
// topic throttle, and report back through the relay's validated channel.
type validation struct {
	r *Relay

	tracer *pubsubTracer

	// topicVals tracks per topic validators
	topicVals map[string][]*topicVal

	// cancelable context per joined topic; in-flight validations derive from it
	topicCtx map[string]*topicContext

	// in-flight async validations by message id
	inflight map[string]*validateReq

	// validateThrottle limits the number of active validation goroutines
	validateThrottle chan struct{}
}

type topicContext struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// validation requests
type validateReq struct {
	ctx  context.Context
	vals []*topicVal
	src  peer.ID
	msg  *Message

	// peers that delivered a copy while the validation was in flight
	seenBy map[peer.ID]struct{}
}

// validationResult carries the verdict of an async validation back to the
// event loop.
type validationResult struct {
	req    *validateReq
	result ValidationResult
	reason string
}

// representation of topic validators
type topicVal struct {
	topic            string
	validate         ValidatorEx
	validateTimeout  time.Duration
	validateThrottle chan struct{}
	validateInline   bool
}

// async request to add a topic validators
type addValReq struct {
	topic    string
	validate interface{}
	timeout  time.Duration
	throttle int
	inline   bool
}

// newValidation creates a new validation pipeline
func newValidation() *validation {
	return &validation{
		topicVals:        make(map[string][]*topicVal),
		topicCtx:         make(map[string]*topicContext),
		inflight:         make(map[string]*validateReq),
		validateThrottle: make(chan struct{}, defaultValidateThrottle),
	}
}

// Start attaches the validation pipeline to a relay instance
func (v *validation) Start(r *Relay) {
	v.r = r
	v.tracer = r.tracer
}

// AddValidator adds a new validator
func (v *validation) AddValidator(req *addValReq) error {
	val, err := v.makeValidator(req)
	if err != nil {
		return err
	}

	v.topicVals[req.topic] = append(v.topicVals[req.topic], val)
	return nil
}

func (v *validation) makeValidator(req *addValReq) (*topicVal, error) {
	makeValidatorEx := func(v Validator) ValidatorEx {
		return func(ctx context.Context, p peer.ID, msg *Message) ValidationResult {
			if v(ctx, p, msg) {
				return ValidationAccept
			} else {
				return ValidationReject
			}
		}
	}

	var validator ValidatorEx
	switch v := req.validate.(type) {
	case func(ctx context.Context, p peer.ID, msg *Message) bool:
		validator = makeValidatorEx(Validator(v))
	case Validator:
		validator = makeValidatorEx(v)

	case func(ctx context.Context, p peer.ID, msg *Message) ValidationResult:
		validator = ValidatorEx(v)
	case ValidatorEx:
		validator = v

	default:
		topic := req.topic
		if req.topic == "" {
			topic = "(default)"
		}
		return nil, fmt.Errorf("unknown validator type for topic %s; must be an instance of Validator or ValidatorEx", topic)
	}

	val := &topicVal{
		topic:            req.topic,
		validate:         validator,
		validateTimeout:  0,
		validateThrottle: make(chan struct{}, defaultValidateConcurrency),
		validateInline:   req.inline,
	}

	if req.timeout > 0 {
		val.validateTimeout = req.timeout
	}

	if req.throttle > 0 {
		val.validateThrottle = make(chan struct{}, req.throttle)
	}

	return val, nil
}

// RemoveValidators removes every validator of topic
func (v *validation) RemoveValidators(topic string) error {
	_, ok := v.topicVals[topic]
	if !ok {
		return fmt.Errorf("no validator for topic %s", topic)
	}
	delete(v.topicVals, topic)
	return nil
}

// Join creates the cancelable context for topic.
func (v *validation) Join(topic string) {
	if _, ok := v.topicCtx[topic]; ok {
		return
	}
	ctx, cancel := context.WithCancel(v.r.ctx)
	v.topicCtx[topic] = &topicContext{ctx: ctx, cancel: cancel}
}

// Leave cancels every in-flight validation for topic.
func (v *validation) Leave(topic string) {
	tc, ok := v.topicCtx[topic]
	if !ok {
		return
	}
	tc.cancel()
	delete(v.topicCtx, topic)
}

// Push starts validation of a message received from src. The signature, if
// any, must already have been checked with ValidateSignature. It returns true
// when the message was validated synchronously and can be delivered right
// away; otherwise the verdict arrives later through the validated channel,
// or the message has already been rejected.
func (v *validation) Push(src peer.ID, msg *Message) bool {
	vals := v.topicVals[msg.GetTopic()]

	var inline, async []*topicVal
	for _, val := range vals {
		if val.validateInline {
			inline = append(inline, val)
		} else {
			async = append(async, val)
		}
	}

	ctx := v.r.ctx
	if tc, ok := v.topicCtx[msg.GetTopic()]; ok {
		ctx = tc.ctx
	}

	// apply inline (synchronous) validators
	result := ValidationAccept
	for _, val := range inline {
		switch val.validateMsg(ctx, src, msg) {
		case ValidationAccept:
		case ValidationReject:
			result = ValidationReject
		case ValidationIgnore:
			if result == ValidationAccept {
				result = ValidationIgnore
			}
		}
		if result == ValidationReject {
			break
		}
	}

	switch result {
	case ValidationReject:
		log.Debugf("message validation failed; dropping message from %s", src)
		v.tracer.RejectMessage(msg, RejectValidationFailed)
		return false
	case ValidationIgnore:
		log.Debugf("message validation punted; ignoring message from %s", src)
		v.tracer.RejectMessage(msg, RejectValidationIgnored)
		return false
	}

	if len(async) == 0 {
		return true
	}

	// apply async validators
	select {
	case v.validateThrottle <- struct{}{}:
	default:
		log.Debugf("message validation throttled; dropping message from %s", src)
		v.tracer.RejectMessage(msg, RejectValidationThrottled)
		return false
	}

	req := &validateReq{ctx: ctx, vals: async, src: src, msg: msg}
	v.inflight[msg.ID] = req

	go func() {
		res := v.validateTopic(req)
		<-v.validateThrottle

		select {
		case v.r.validated <- res:
		case <-v.r.ctx.Done():
		}
	}()

	return false
}

// Finish consumes the verdict of an async validation on the event loop. It
// returns true when the message must be delivered.
func (v *validation) Finish(res *validationResult) bool {
	req := res.req
	msg := req.msg
	delete(v.inflight, msg.ID)

	if req.ctx.Err() != nil {
		log.Debugf("validation of message from %s cancelled; dropping", req.src)
		v.tracer.RejectMessage(msg, RejectValidationCancelled)
		return false
	}

	switch res.result {
	case ValidationAccept:
		return true
	case ValidationReject:
		log.Debugf("message validation failed; dropping message from %s", req.src)
		v.tracer.RejectMessage(msg, RejectValidationFailed)
	case ValidationIgnore:
		log.Debugf("message validation punted; ignoring message from %s", req.src)
		v.tracer.RejectMessage(msg, RejectValidationIgnored)
	case validationThrottled:
		log.Debugf("message validation throttled; ignoring message from %s", req.src)
		v.tracer.RejectMessage(msg, RejectValidationThrottled)
	default:
		log.Warnf("unexpected validation result: %d", res.result)
	}
	return false
}

// MarkSeenBy records that p delivered a copy of a message still being
// validated. It reports false when no validation is in flight for id.
func (v *validation) MarkSeenBy(id string, p peer.ID) bool {
	req, ok := v.inflight[id]
	if !ok {
		return false
	}
	if req.seenBy == nil {
		req.seenBy = make(map[peer.ID]struct{})
	}
	req.seenBy[p] = struct{}{}
	return true
}

// InFlight returns the number of async validations awaiting a verdict.
func (v *validation) InFlight() int {
	return len(v.inflight)
}

// validateLocal runs every validator of the message topic in the calling
// goroutine. vals must be a snapshot taken on the event loop.
func validateLocal(ctx context.Context, self peer.ID, vals []*topicVal, msg *Message) (ValidationResult, string) {
	result := ValidationAccept
	for _, val := range vals {
		switch val.validateMsg(ctx, self, msg) {
		case ValidationReject:
			return ValidationReject, RejectValidationFailed
		case ValidationIgnore:
			result = ValidationIgnore
		}
	}
	if result == ValidationIgnore {
		return result, RejectValidationIgnored
	}
	return result, ""
}

// ValidateSignature verifies the signature carried by msg.
func (v *validation) ValidateSignature(msg *Message) bool {
	err := verifyMessageSignature(msg.Message)
	if err != nil {
		log.Debugf("signature verification error: %s", err.Error())
		return false
	}

	return true
}

func (v *validation) validateTopic(req *validateReq) *validationResult {
	_, span := startSpanForTopic(req.ctx, "relay.validate", req.msg.GetTopic())
	defer span.End()

	result := v.runValidators(req)
	span.SetAttributes(attribute.String("result", result.String()))
	return &validationResult{req: req, result: result}
}

func (v *validation) runValidators(req *validateReq) ValidationResult {
	if len(req.vals) == 1 {
		return v.validateSingleTopic(req.ctx, req.vals[0], req.src, req.msg)
	}

	ctx, cancel := context.WithCancel(req.ctx)
	defer cancel()

	rch := make(chan ValidationResult, len(req.vals))
	rcount := 0

	for _, val := range req.vals {
		rcount++

		select {
		case val.validateThrottle <- struct{}{}:
			go func(val *topicVal) {
				rch <- val.validateMsg(ctx, req.src, req.msg)
				<-val.validateThrottle
			}(val)

		default:
			log.Debugf("validation throttled for topic %s", val.topic)
			rch <- validationThrottled
		}
	}

	result := ValidationAccept
loop:
	for i := 0; i < rcount; i++ {
		switch <-rch {
		case ValidationAccept:
		case ValidationReject:
			result = ValidationReject
			break loop
		case ValidationIgnore:
			// throttled > ignore > accept
			if result != validationThrottled {
				result = ValidationIgnore
			}
		case validationThrottled:
			result = validationThrottled
		}
	}

	return result
}

// fast path for single topic validation that avoids the extra goroutine
func (v *validation) validateSingleTopic(ctx context.Context, val *topicVal, src peer.ID, msg *Message) ValidationResult {
	select {
	case val.validateThrottle <- struct{}{}:
		res := val.validateMsg(ctx, src, msg)
		<-val.validateThrottle
		return res

	default:
		log.Debugf("validation throttled for topic %s", val.topic)
		return validationThrottled
	}
}

func (val *topicVal) validateMsg(ctx context.Context, src peer.ID, msg *Message) ValidationResult {
	start := time.Now()
	defer func() {
		log.Debugf("validation done; took %s", time.Since(start))
	}()

	if val.validateTimeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, val.validateTimeout)
		defer cancel()
	}

	r := val.validate(ctx, src, msg)
	switch r {
	case ValidationAccept:
		fallthrough
	case ValidationReject:
		fallthrough
	case ValidationIgnore:
		return r

	default:
		log.Warnf("Unexpected result from validator: %d; ignoring message", r)
		return ValidationIgnore
	}
}

/// Options

// WithValidateThrottle sets the upper bound on the number of active validation
// goroutines across all topics. The default is 8192.
func WithValidateThrottle(n int) Option {
	return func(r *Relay) error {
		if n <= 0 {
			return fmt.Errorf("validate throttle must be > 0")
		}
		r.val.validateThrottle = make(chan struct{}, n)
		return nil
	}
}

// WithValidatorTimeout is an option that sets a timeout for an (asynchronous) topic validator.
// By default there is no timeout in asynchronous validators.
func WithValidatorTimeout(timeout time.Duration) ValidatorOpt {
	return func(addVal *addValReq) error {
		addVal.timeout = timeout
		return nil
	}
}

// WithValidatorConcurrency is an option that sets the topic validator throttle.
// This controls the number of active validation goroutines for the topic; the default is 1024.
func WithValidatorConcurrency(n int) ValidatorOpt {
	return func(addVal *addValReq) error {
		addVal.throttle = n
		return nil
	}
}

// WithValidatorInline is an option that sets the validation disposition to synchronous:
// it will be executed inline on the event loop, without spawning a new goroutine.
// This is suitable for simple or cpu-bound validators that do not block.
func WithValidatorInline(inline bool) ValidatorOpt {
	return func(addVal *addValReq) error {
		addVal.inline = inline
		return nil
	}
}
