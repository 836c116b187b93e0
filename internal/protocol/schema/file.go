package schema

// File forms of a protocol description. They are decoded strictly and
// compiled into Protocol.

type fileProtocol struct {
	Name       string          `toml:"name"`
	Interfaces []fileInterface `toml:"interface"`
}

type fileInterface struct {
	Name        string          `toml:"name"`
	Version     uint32          `toml:"version"`
	Description string          `toml:"description"`
	Requests    []fileOperation `toml:"request"`
	Events      []fileOperation `toml:"event"`
	Enums       []fileEnum      `toml:"enum"`
}

type fileOperation struct {
	Name        string    `toml:"name"`
	Type        string    `toml:"type"`
	Since       uint32    `toml:"since"`
	Description string    `toml:"description"`
	Args        []fileArg `toml:"args"`
}

type fileArg struct {
	Name      string `toml:"name"`
	Type      string `toml:"type"`
	Interface string `toml:"interface"`
	AllowNull bool   `toml:"allow_null"`
	Enum      string `toml:"enum"`
	Summary   string `toml:"summary"`
}

type fileEnum struct {
	Name     string      `toml:"name"`
	Bitfield bool        `toml:"bitfield"`
	Since    uint32      `toml:"since"`
	Entries  []fileEntry `toml:"entries"`
}

type fileEntry struct {
	Name    string `toml:"name"`
	Value   uint32 `toml:"value"`
	Since   uint32 `toml:"since"`
	Summary string `toml:"summary"`
}
