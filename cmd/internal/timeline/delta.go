package timeline

// DeltaKind is the variant of a Delta.
type DeltaKind uint8

const (
	// DeltaInsert: a new identity appeared at Position.
	DeltaInsert DeltaKind = iota + 1
	// DeltaUpdate: an existing item changed; Position is unchanged.
	DeltaUpdate
	// DeltaRemove: the item at Position was removed.
	DeltaRemove
	// DeltaReset: full-state replace. Subscribers must discard prior state
	// and re-render from Items.
	DeltaReset
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaInsert:
		return "insert"
	case DeltaUpdate:
		return "update"
	case DeltaRemove:
		return "remove"
	case DeltaReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Delta is one incremental change published to subscribers.
// Item and Items are snapshots owned by the receiver; they never alias store
// state.
type Delta struct {
	Kind     DeltaKind
	Position OrderingKey
	Item     *Message
	Items    []Message
}

// InsertDelta builds an Insert delta.
func InsertDelta(pos OrderingKey, item Message) Delta {
	return Delta{Kind: DeltaInsert, Position: pos, Item: &item}
}

// UpdateDelta builds an Update delta.
func UpdateDelta(pos OrderingKey, item Message) Delta {
	return Delta{Kind: DeltaUpdate, Position: pos, Item: &item}
}

// RemoveDelta builds a Remove delta.
func RemoveDelta(pos OrderingKey) Delta {
	return Delta{Kind: DeltaRemove, Position: pos}
}

// ResetDelta builds a Reset delta from a full ordered snapshot.
func ResetDelta(items []Message) Delta {
	return Delta{Kind: DeltaReset, Items: items}
}

// clone deep-copies the payload so each subscriber owns its own copy.
func (d Delta) clone() Delta {
	if d.Item != nil {
		it := d.Item.Clone()
		d.Item = &it
	}
	if d.Items != nil {
		items := make([]Message, len(d.Items))
		for i, m := range d.Items {
			items[i] = m.Clone()
		}
		d.Items = items
	}
	return d
}
