package transport

// GidKey collapses the platform's two encodings of a group identifier to a
// single positive key. Supergroup ids arrive as -100xxxxxxxxxx and basic
// group ids as -xxxx; both map to the same stored key.
func GidKey(id int64) int64 {
	if id < 0 {
		id = -id
	}
	// strip the supergroup marker prefix
	if id > supergroupOffset {
		id -= supergroupOffset
	}
	return id
}

const supergroupOffset int64 = 1_000_000_000_000

// AddressingVariants returns the platform-level addressings a positive
// GidKey may correspond to, in resolution priority order: supergroup-style,
// basic-chat-style, then the raw identifier.
func AddressingVariants(gid int64) []int64 {
	if gid < 0 {
		gid = -gid
	}
	return []int64{
		-(supergroupOffset + gid), // supergroup / channel
		-gid,                      // basic group
		gid,                       // raw id fallback
	}
}
