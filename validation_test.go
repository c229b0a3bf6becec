package relay

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	pb "github.com/waku-org/go-waku-relay/pb"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestRegisterUnregisterValidator(t *testing.T) {
	tr := newTestRelay(t)

	err := tr.RegisterTopicValidator("foo", func(context.Context, peer.ID, *Message) bool {
		return true
	})
	if err != nil {
		t.Fatal(err)
	}

	err = tr.UnregisterTopicValidator("foo")
	if err != nil {
		t.Fatal(err)
	}

	err = tr.UnregisterTopicValidator("foo")
	if err == nil {
		t.Fatal("Unregistered bogus topic validator")
	}
}

func TestRegisterValidatorOfUnknownType(t *testing.T) {
	tr := newTestRelay(t)

	err := tr.RegisterTopicValidator("foo", func(*Message) bool { return true })
	if err == nil {
		t.Fatal("registered a validator of unknown type")
	}
}

func TestValidate(t *testing.T) {
	tr := newTestRelay(t)
	sub := tr.subscribe(t, "foo")
	p := testPeer(1)
	tr.connect(t, p, "foo")

	err := tr.RegisterTopicValidator("foo", func(ctx context.Context, from peer.ID, msg *Message) bool {
		return !bytes.Contains(msg.Data, []byte("illegal"))
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs := []struct {
		msg       string
		validates bool
	}{
		{"this is a legal message", true},
		{"there also is nothing controversial about this message", true},
		{"openly illegal content will be censored", false},
		{"but subversive actors will use leetspeek to spread 1ll3g4l content", true},
	}

	for _, tc := range msgs {
		tr.deliver(t, p, &pb.RPC{Publish: []*pb.Message{anonMessage("foo", tc.msg)}})

		if tc.validates {
			msg := nextMessage(t, sub)
			if string(msg.Data) != tc.msg {
				t.Fatalf("unexpected message %q; expected %q", msg.Data, tc.msg)
			}
		} else {
			assertNoMessage(t, sub)
		}
	}
}

func TestValidateIgnore(t *testing.T) {
	trc := newRecordingTracer()
	params := DefaultPeerScoreParams()
	params.Topics["foo"] = DefaultTopicScoreParams()
	tr := newTestRelay(t, WithRawTracer(trc), WithPeerScore(params, DefaultPeerScoreThresholds()))
	sub := tr.subscribe(t, "foo")
	p := testPeer(1)
	tr.connect(t, p, "foo")

	err := tr.RegisterTopicValidator("foo", func(ctx context.Context, from peer.ID, msg *Message) ValidationResult {
		return ValidationIgnore
	})
	if err != nil {
		t.Fatal(err)
	}

	tr.deliver(t, p, &pb.RPC{Publish: []*pb.Message{anonMessage("foo", "meh")}})
	waitFor(t, "ignored message", func() bool {
		return trc.rejections(RejectValidationIgnored) == 1
	})
	assertNoMessage(t, sub)

	// ignoring is not held against the sender
	if score := tr.PeerScore(p); score < 0 {
		t.Fatalf("ignored message penalized the sender; score %f", score)
	}
}

func TestValidateMultipleValidators(t *testing.T) {
	trc := newRecordingTracer()
	tr := newTestRelay(t, WithRawTracer(trc))
	sub := tr.subscribe(t, "foo")
	p := testPeer(1)
	tr.connect(t, p, "foo")

	var inlineCalls, asyncCalls atomic.Int32
	err := tr.RegisterTopicValidator("foo", func(ctx context.Context, from peer.ID, msg *Message) bool {
		inlineCalls.Add(1)
		return len(msg.Data) < 16
	}, WithValidatorInline(true))
	if err != nil {
		t.Fatal(err)
	}
	err = tr.RegisterTopicValidator("foo", func(ctx context.Context, from peer.ID, msg *Message) ValidationResult {
		asyncCalls.Add(1)
		if bytes.HasPrefix(msg.Data, []byte("x")) {
			return ValidationReject
		}
		return ValidationAccept
	})
	if err != nil {
		t.Fatal(err)
	}

	tr.deliver(t, p, &pb.RPC{Publish: []*pb.Message{anonMessage("foo", "a message that is too long")}})
	if trc.rejections(RejectValidationFailed) != 1 {
		t.Fatal("inline validator did not reject synchronously")
	}
	if asyncCalls.Load() != 0 {
		t.Fatal("async validator ran after an inline rejection")
	}

	tr.deliver(t, p, &pb.RPC{Publish: []*pb.Message{anonMessage("foo", "xyz")}})
	waitFor(t, "async rejection", func() bool {
		return trc.rejections(RejectValidationFailed) == 2
	})

	tr.deliver(t, p, &pb.RPC{Publish: []*pb.Message{anonMessage("foo", "short")}})
	msg := nextMessage(t, sub)
	if string(msg.Data) != "short" {
		t.Fatalf("unexpected message %q", msg.Data)
	}
	if inlineCalls.Load() != 3 || asyncCalls.Load() != 2 {
		t.Fatalf("unexpected validator calls: inline %d, async %d", inlineCalls.Load(), asyncCalls.Load())
	}
}

func TestValidateOverload(t *testing.T) {
	trc := newRecordingTracer()
	tr := newTestRelay(t, WithRawTracer(trc), WithValidateThrottle(1))
	sub := tr.subscribe(t, "foo")
	p := testPeer(1)
	tr.connect(t, p, "foo")

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	err := tr.RegisterTopicValidator("foo", func(ctx context.Context, from peer.ID, msg *Message) bool {
		started <- struct{}{}
		<-release
		return true
	})
	if err != nil {
		t.Fatal(err)
	}

	tr.deliver(t, p, &pb.RPC{Publish: []*pb.Message{anonMessage("foo", "first")}})
	<-started

	// the only validation slot is taken
	tr.deliver(t, p, &pb.RPC{Publish: []*pb.Message{anonMessage("foo", "second")}})
	if trc.rejections(RejectValidationThrottled) != 1 {
		t.Fatal("expected the second message to be throttled")
	}

	close(release)
	msg := nextMessage(t, sub)
	if string(msg.Data) != "first" {
		t.Fatalf("unexpected message %q", msg.Data)
	}
	assertNoMessage(t, sub)
}

func TestValidatorConcurrency(t *testing.T) {
	trc := newRecordingTracer()
	tr := newTestRelay(t, WithRawTracer(trc))
	sub := tr.subscribe(t, "foo")
	p := testPeer(1)
	tr.connect(t, p, "foo")

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	err := tr.RegisterTopicValidator("foo", func(ctx context.Context, from peer.ID, msg *Message) bool {
		started <- struct{}{}
		<-release
		return true
	}, WithValidatorConcurrency(1))
	if err != nil {
		t.Fatal(err)
	}

	tr.deliver(t, p, &pb.RPC{Publish: []*pb.Message{anonMessage("foo", "first")}})
	<-started

	tr.deliver(t, p, &pb.RPC{Publish: []*pb.Message{anonMessage("foo", "second")}})
	waitFor(t, "throttled validation", func() bool {
		return trc.rejections(RejectValidationThrottled) == 1
	})

	close(release)
	msg := nextMessage(t, sub)
	if string(msg.Data) != "first" {
		t.Fatalf("unexpected message %q", msg.Data)
	}
}

func TestValidatorTimeout(t *testing.T) {
	trc := newRecordingTracer()
	tr := newTestRelay(t, WithRawTracer(trc))
	sub := tr.subscribe(t, "foo")
	p := testPeer(1)
	tr.connect(t, p, "foo")

	err := tr.RegisterTopicValidator("foo", func(ctx context.Context, from peer.ID, msg *Message) ValidationResult {
		<-ctx.Done()
		return ValidationIgnore
	}, WithValidatorTimeout(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	tr.deliver(t, p, &pb.RPC{Publish: []*pb.Message{anonMessage("foo", "slow")}})
	waitFor(t, "timed out validation", func() bool {
		return trc.rejections(RejectValidationIgnored) == 1
	})
	assertNoMessage(t, sub)
}

func TestDuplicateDuringValidationNotForwardedBack(t *testing.T) {
	tr := newTestRelay(t, WithGossipSubParams(testMeshParams()))
	sub := tr.subscribe(t, "foo")
	for i := 1; i <= 3; i++ {
		tr.connect(t, testPeer(i), "foo")
	}
	tr.tick(t)

	started := make(chan struct{})
	release := make(chan struct{})
	err := tr.RegisterTopicValidator("foo", func(ctx context.Context, from peer.ID, msg *Message) bool {
		close(started)
		<-release
		return true
	})
	if err != nil {
		t.Fatal(err)
	}

	msg := anonMessage("foo", "hello")
	tr.deliver(t, testPeer(1), &pb.RPC{Publish: []*pb.Message{msg}})
	<-started
	tr.deliver(t, testPeer(2), &pb.RPC{Publish: []*pb.Message{msg}})
	tr.net.take()

	close(release)
	nextMessage(t, sub)

	var sent []sentRPC
	waitFor(t, "forwarded message", func() bool {
		sent = append(sent, tr.net.take()...)
		return len(publishedTo(sent, testPeer(3))) == 1
	})
	if len(publishedTo(sent, testPeer(1))) != 0 || len(publishedTo(sent, testPeer(2))) != 0 {
		t.Fatal("message forwarded back to a peer that delivered it")
	}
}

func testMeshParams() Params {
	params := DefaultGossipSubParams()
	params.D = 3
	params.Dlo = 2
	params.Dhi = 4
	params.Dscore = 1
	params.Dout = 0
	return params
}
