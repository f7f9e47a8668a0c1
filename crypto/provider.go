package crypto

// Provider is the narrow capability the attestation protocol needs from the
// underlying primitives. Protocol code depends on this interface only, so
// tests can substitute a deterministic double.
type Provider interface {
	// Sign returns a hex signature over digest.
	Sign(digest []byte) string
	// Verify checks sigHex over digest against the provider's trusted key.
	Verify(digest []byte, sigHex string) error
	// Hash returns the hex SHA-256 of data.
	Hash(data []byte) string
	// PublicKey returns the hex public key signatures verify against.
	PublicKey() string
}

// Ed25519Provider signs with a private key and verifies against its public half.
type Ed25519Provider struct {
	priv PrivateKey
	pub  PublicKey
}

// NewEd25519Provider wraps priv as a Provider.
func NewEd25519Provider(priv PrivateKey) *Ed25519Provider {
	return &Ed25519Provider{priv: priv, pub: priv.Public()}
}

func (p *Ed25519Provider) Sign(digest []byte) string { return Sign(p.priv, digest) }

func (p *Ed25519Provider) Verify(digest []byte, sigHex string) error {
	return Verify(p.pub, digest, sigHex)
}

func (p *Ed25519Provider) Hash(data []byte) string { return Hash(data) }

func (p *Ed25519Provider) PublicKey() string { return p.pub.Hex() }

// Verifier checks signatures against a fixed public key. The ledger holds
// one of these for the trusted attester; it can never sign.
type Verifier struct {
	pub PublicKey
}

// NewVerifier returns a Verifier for pub.
func NewVerifier(pub PublicKey) *Verifier {
	return &Verifier{pub: pub}
}

// Verify checks sigHex over digest.
func (v *Verifier) Verify(digest []byte, sigHex string) error {
	return Verify(v.pub, digest, sigHex)
}
