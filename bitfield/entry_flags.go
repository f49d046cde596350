package bitfield

// EntryFlags represents the low 12 bits of an x86-64 page-table entry.
// Field order matches the hardware bit order, so Pack produces the exact
// bit pattern the MMU expects.
type EntryFlags struct {
	// Present indicates the entry maps something (bit 0)
	Present bool `bitfield:",1"`

	// Writable allows writes through this entry (bit 1)
	Writable bool `bitfield:",1"`

	// User allows ring-3 access (bit 2)
	User bool `bitfield:",1"`

	WriteThrough bool `bitfield:",1"`
	CacheDisable bool `bitfield:",1"`

	// Accessed and Dirty are set by the CPU (bits 5 and 6)
	Accessed bool `bitfield:",1"`
	Dirty    bool `bitfield:",1"`

	// Large marks a 2MB (PD) or 1GB (PDPT) leaf (bit 7)
	Large bool `bitfield:",1"`

	Global bool `bitfield:",1"`

	// Available bits 9-11 are ignored by the MMU
	Available uint8 `bitfield:",3"`
}

// PackEntryFlags packs EntryFlags into the low 12 bits of a PTE.
func PackEntryFlags(flags EntryFlags) (uint16, error) {
	packed, err := Pack(flags, &Config{NumBits: 12})
	if err != nil {
		return 0, err
	}
	return uint16(packed), nil
}

// UnpackEntryFlags extracts EntryFlags from a PTE (or its low bits).
func UnpackEntryFlags(raw uint64) EntryFlags {
	var flags EntryFlags
	// Cannot fail: EntryFlags only has bool and uint8 fields.
	_ = Unpack(raw&0xFFF, &flags)
	return flags
}
