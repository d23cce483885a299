package kvpool

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Transaction records a sequence of pipelined commands to replay on a
// single acquired connection inside a MULTI/EXEC block — the "one
// connection per pipeline" guarantee of spec §4.1's replay contract.
type Transaction struct {
	ops []func(redis.Pipeliner) error
}

// NewTransaction returns an empty builder.
func NewTransaction() *Transaction {
	return &Transaction{}
}

// Queue appends a pipelined operation to the transaction.
func (t *Transaction) Queue(op func(redis.Pipeliner) error) *Transaction {
	t.ops = append(t.ops, op)
	return t
}

// ExecuteTransaction acquires one connection, replays every queued op
// inside TxPipelined, and releases the connection — even on failure.
func (p *Pool) ExecuteTransaction(ctx context.Context, tx *Transaction) ([]redis.Cmder, error) {
	client, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	var cmders []redis.Cmder
	var runErr error
	cmders, runErr = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range tx.ops {
			if err := op(pipe); err != nil {
				return err
			}
		}
		return nil
	})

	p.Release(client, !isConnectionFatal(runErr))
	return cmders, runErr
}
