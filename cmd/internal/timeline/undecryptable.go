package timeline

// MarkUndecryptable records why the decryption subsystem could not decrypt
// the item with the given identity. Only Encrypted items are touched; the
// item is published as an Update at its unchanged position.
func MarkUndecryptable(s *State, id string, cause UTDCause) bool {
	msg, ok := s.GetByID(id)
	if !ok || msg.Availability.State != Encrypted {
		return false
	}

	msg.Availability = AvailableEncrypted(&cause)
	s.Upsert(msg)
	return true
}
