package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	relay "github.com/waku-org/go-waku-relay"
	pb "github.com/waku-org/go-waku-relay/pb"
)

// messagePrinter writes one line per delivered message. Lines from
// concurrent subscriptions are not interleaved.
type messagePrinter struct {
	mx  sync.Mutex
	out io.Writer
}

func newMessagePrinter(out io.Writer) *messagePrinter {
	return &messagePrinter{out: out}
}

func (p *messagePrinter) run(ctx context.Context, sub *relay.Subscription) error {
	defer sub.Cancel()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if msg.Local {
			continue
		}
		p.print(msg)
	}
}

func (p *messagePrinter) print(msg *relay.Message) {
	wm, ok := msg.ValidatorData.(*pb.WakuMessage)
	if !ok {
		wm = new(pb.WakuMessage)
		if err := wm.Unmarshal(msg.Data); err != nil {
			log.Debugf("dropping undecodable message %x: %s", msg.ID, err)
			return
		}
	}

	p.mx.Lock()
	defer p.mx.Unlock()
	_, _ = fmt.Fprintf(p.out, "%s\t%s\t%s\n", msg.GetTopic(), wm.ContentTopic, wm.Payload)
}
