// Package pullstream implements a pull-based streaming subscriber client.
//
// A SubscriberSession owns one logical bidirectional pull stream to a message
// broker and drives the full consumption pipeline on top of it:
//
//   - a reconnecting stream source that retries the connect sequence under a
//     configurable policy and resumes pulling after transient failures
//   - watermark flow control bounding buffered messages in count and bytes
//   - a credit-paced dispatch queue decoupling arrival rate from the
//     application handler
//   - a lease manager that keeps extending delivery deadlines while the
//     application is still handling messages, bounded per message
//   - a shutdown coordinator draining in-flight operations before the session
//     completes
//
// Basic usage:
//
//	settings := pullstream.Settings{
//	    Subscription: "projects/p/subscriptions/s",
//	}
//	session, err := pullstream.NewSession(client, settings,
//	    pullstream.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//
//	err = session.Start(ctx, func(ctx context.Context, msg *pullstream.Message, ack pullstream.AckReplier) {
//	    process(msg)
//	    ack.Ack()
//	})
//	if err != nil {
//	    return err
//	}
//
//	// ... later:
//	session.Shutdown()
//	if err := session.Wait(ctx); err != nil {
//	    log.Printf("session ended: %v", err)
//	}
//
// The transport package defines the broker-facing SubscriberClient interface
// the session consumes; any transport implementing it (a gRPC streaming stub,
// an in-process fake) plugs in unchanged.
package pullstream
