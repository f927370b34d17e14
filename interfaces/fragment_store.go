package interfaces

// FragmentStore reconstructs and reclaims entries too large to inline in a
// tree node. The engine stores only the placeholder bytes the store hands
// back and calls Reconstruct when the full bytes are needed again.
type FragmentStore interface {
	// FragmentKey stores key externally and returns the placeholder to
	// inline in its place.
	FragmentKey(key []byte) ([]byte, error)

	// Fragment stores value (of the given logical length) externally,
	// producing a placeholder no longer than max bytes.
	Fragment(value []byte, length, max int) ([]byte, error)

	// Reconstruct materializes the value bytes a placeholder refers to.
	Reconstruct(placeholder []byte) ([]byte, error)

	// ReconstructKey materializes the key bytes a placeholder refers to.
	ReconstructKey(placeholder []byte) ([]byte, error)

	// DeleteFragments reclaims the chain a placeholder refers to.
	DeleteFragments(placeholder []byte) error

	// TrashFragments moves the chain a placeholder refers to into the
	// trash namespace of txnId, for deletion at commit or revival at
	// rollback.
	TrashFragments(txnId uint64, placeholder []byte) error

	// SweepTrash reclaims every chain trashed under txnId. Called once
	// the owning transaction's commit is durable.
	SweepTrash(txnId uint64) error
}
