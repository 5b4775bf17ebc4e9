package models

// ChangeSet is the unit a store commits atomically. Created records must not
// exist yet; updated records carry the version they were read at.
type ChangeSet struct {
	CreateMints    []Mint
	CreateAccounts []Account
	UpdateMints    []Mint
	UpdateAccounts []Account
}

// Empty reports whether the change set has nothing to write.
func (c ChangeSet) Empty() bool {
	return len(c.CreateMints) == 0 && len(c.CreateAccounts) == 0 &&
		len(c.UpdateMints) == 0 && len(c.UpdateAccounts) == 0
}
