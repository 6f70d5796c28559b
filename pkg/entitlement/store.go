package entitlement

// Store persists a single ProStatus record.
//
// Subscribe registers fn to be called after the record changes, including
// changes made by other processes for stores that can observe them. The
// returned cancel func stops delivery and is safe to call more than once.
type Store interface {
	Load() (*ProStatus, error)
	Save(status ProStatus) error
	Delete() error
	Subscribe(fn func()) (cancel func(), err error)
}
