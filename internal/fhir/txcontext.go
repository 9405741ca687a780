package fhir

import (
	"context"
)

// TxContext captures transactional nesting for the write pipeline. A write
// invoked standalone starts its own transaction (Fresh); a write invoked from
// a bundle joins the bundle's open transaction (Ambient).
type TxContext struct {
	store  Store
	bucket string
	tx     Tx
}

// FreshTx returns a TxContext that starts a new transaction per write.
func FreshTx(store Store, bucket string) TxContext {
	return TxContext{store: store, bucket: bucket}
}

// AmbientTx returns a TxContext that joins an already-open transaction.
func AmbientTx(store Store, bucket string, tx Tx) TxContext {
	return TxContext{store: store, bucket: bucket, tx: tx}
}

// Bucket names the bucket this context writes into.
func (t TxContext) Bucket() string {
	return t.bucket
}

// Ambient reports whether the context joins an open transaction.
func (t TxContext) Ambient() bool {
	return t.tx != nil
}

// Run executes fn transactionally: directly inside the ambient transaction,
// or wrapped in a fresh one.
func (t TxContext) Run(ctx context.Context, fn func(tx Tx) error) error {
	if t.tx != nil {
		return fn(t.tx)
	}
	return t.store.RunTransaction(ctx, t.bucket, fn)
}
