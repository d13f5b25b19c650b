package crypto

// The engine consumes signing as an opaque capability: it never inspects
// algorithm internals.

type PrivateKey interface {
	Bytes() []byte
	String() string
	Sign(msg []byte) Signature
	PublicKey() PublicKey
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

type PublicKey interface {
	Bytes() []byte
	String() string
	Verify(data []byte, sig Signature) error
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
	Equal(other PublicKey) bool
}

type Signature interface {
	Bytes() []byte
	String() string
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
	Equal(other Signature) bool
}
