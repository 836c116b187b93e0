package protocol

// Identifier ranges. Client and server allocate from disjoint ranges so both
// peers can create objects without coordination.
const (
	NullID    uint32 = 0
	DisplayID uint32 = 1

	ClientIDMin uint32 = 0x00000001
	ClientIDMax uint32 = 0xFEFFFFFF
	ServerIDMin uint32 = 0xFF000000
	ServerIDMax uint32 = 0xFFFFFFFF
)

// IsClientID reports whether id belongs to the client-allocated range.
func IsClientID(id uint32) bool {
	return id >= ClientIDMin && id <= ClientIDMax
}

// IsServerID reports whether id belongs to the server-allocated range.
func IsServerID(id uint32) bool {
	return id >= ServerIDMin
}
