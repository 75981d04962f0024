// Package queue is the backpressure buffer between ingestion and dispatch.
//
// Payments are kept as JSON in a shared Redis list. New work is appended to
// the tail, retried work is pushed back to the head so it is serviced before
// newly arrived payments. A Consumer pops batches from the head and hands
// each payment to a bounded worker pool.
//
//	q := queue.NewRedisQueue(client, "rinha")
//	consumer := queue.NewConsumer(q, handle, queue.ConsumerOptions{
//		BatchSize:   50,
//		Concurrency: 16,
//		Backoff:     queue.NewBackoff(100*time.Millisecond, time.Second, 1.1),
//	}, logger)
//	err := consumer.Run(ctx)
package queue
