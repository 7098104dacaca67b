// Package vault implements the per-user crypto vault: password- (or
// keypair-) derived envelope encryption producing the symmetric key
// Bay seals its ops and checkpoints with, and an asymmetric keypair
// used to deposit incoming mail without access to the rest of a
// user's state. Its API shape — a lookup/create/delete surface over a
// key-value table — is carried from the teacher's pass_table.Auth,
// though the storage values themselves are now sealed envelopes
// instead of bcrypt hashes. The per-user identity string is normalized
// with precis before it is folded into key derivation, the same
// normalization step pass_table.Auth.Lookup applied to usernames
// before using them as storage keys.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/text/secure/precis"

	"github.com/aerogramme-go/aerogramme/internal/aeroerr"
	"github.com/aerogramme-go/aerogramme/internal/storage"
)

const (
	partition = "keys"

	saltKey   = "salt"
	publicKey = "public"

	keySize   = 32
	nonceSize = 24

	// Default Argon2 cost parameters, used when a Vault is constructed
	// with New rather than NewWithParams: strong enough for the
	// encryption key, cheap enough that digest computation (used only
	// to name a KV row) doesn't become the login bottleneck.
	defaultArgonTime    = 3
	defaultArgonMemory  = 4096
	defaultArgonThreads = 1
)

// Params holds the Argon2 cost parameters a Vault derives keys with.
// Both the slot name digest and the wrapping key are derived with the
// Vault's current Params, and Params are not stored alongside a slot:
// a slot written under different Params is not found by Open, which
// then reports aeroerr.ErrBadPassword.
type Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

func defaultParams() Params {
	return Params{Time: defaultArgonTime, Memory: defaultArgonMemory, Threads: defaultArgonThreads}
}

// Keys is the secret material a vault unseals: the symmetric key that
// Bay uses to seal ops/checkpoints, and the asymmetric keypair used to
// unseal mail deposited under the public capability.
type Keys struct {
	MK      [keySize]byte
	SKPriv  [keySize]byte
	PKBytes [keySize]byte
}

// PublicKey returns the asymmetric public half of k, safe to hand to
// the public (pre-auth) capability.
func (k Keys) PublicKey() [keySize]byte {
	return k.PKBytes
}

// Zero overwrites the in-memory copy of secret material; callers must
// call it when a session ends per the per-session secret lifetime the
// core requires.
func (k *Keys) Zero() {
	for i := range k.MK {
		k.MK[i] = 0
	}
	for i := range k.SKPriv {
		k.SKPriv[i] = 0
	}
}

// Vault mediates access to one user's KV partition "keys".
type Vault struct {
	kv     storage.KV
	params Params
}

// New returns a Vault reading and writing through kv, using the
// default Argon2 cost parameters.
func New(kv storage.KV) *Vault {
	return NewWithParams(kv, defaultParams())
}

// NewWithParams returns a Vault using params for every key derivation
// it performs, so an operator can tune Argon2 cost via configuration
// instead of a compiled-in constant.
func NewWithParams(kv storage.KV, params Params) *Vault {
	return &Vault{kv: kv, params: params}
}

type sealedEnvelope struct {
	SKPriv [keySize]byte
	MK     [keySize]byte
}

// Initialize creates a fresh vault: it fails with aeroerr.ErrConflict
// if "salt" or "public" already exist, matching the precondition that
// Initialize must never run twice against the same partition.
func (v *Vault) Initialize(ctx context.Context, userSecret, password string) (Keys, error) {
	var salt [keySize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return Keys{}, fmt.Errorf("vault: salt: %w", err)
	}

	pk, sk, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return Keys{}, fmt.Errorf("vault: keypair: %w", err)
	}
	var mk [keySize]byte
	if _, err := rand.Read(mk[:]); err != nil {
		return Keys{}, fmt.Errorf("vault: mk: %w", err)
	}

	if err := v.kv.Insert(ctx, storage.Row{Partition: partition, SortKey: saltKey, Value: salt[:]}); err != nil {
		if errIs(err, aeroerr.ErrConflict) {
			return Keys{}, fmt.Errorf("vault: already initialized: %w", aeroerr.ErrConflict)
		}
		return Keys{}, err
	}
	if err := v.kv.Insert(ctx, storage.Row{Partition: partition, SortKey: publicKey, Value: pk[:]}); err != nil {
		return Keys{}, err
	}

	if err := v.writePasswordSlot(ctx, salt, userSecret, password, sealedEnvelope{SKPriv: *sk, MK: mk}); err != nil {
		return Keys{}, err
	}

	return Keys{MK: mk, SKPriv: *sk, PKBytes: *pk}, nil
}

// InitializeWithKeys is Initialize's keypair-first variant: the
// caller already holds SKPriv/MK (e.g. provisioned out of band) and
// only needs them sealed behind a password.
func (v *Vault) InitializeWithKeys(ctx context.Context, userSecret, password string, keys Keys) error {
	var salt [keySize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("vault: salt: %w", err)
	}

	if err := v.kv.Insert(ctx, storage.Row{Partition: partition, SortKey: saltKey, Value: salt[:]}); err != nil {
		if errIs(err, aeroerr.ErrConflict) {
			return fmt.Errorf("vault: already initialized: %w", aeroerr.ErrConflict)
		}
		return err
	}
	if err := v.kv.Insert(ctx, storage.Row{Partition: partition, SortKey: publicKey, Value: keys.PKBytes[:]}); err != nil {
		return err
	}

	return v.writePasswordSlot(ctx, salt, userSecret, password, sealedEnvelope{SKPriv: keys.SKPriv, MK: keys.MK})
}

func (v *Vault) writePasswordSlot(ctx context.Context, salt [keySize]byte, userSecret, password string, env sealedEnvelope) error {
	identity, err := normalizeIdentity(userSecret)
	if err != nil {
		return err
	}

	digest := argon2.IDKey([]byte(password), salt[:], v.params.Time, v.params.Memory, v.params.Threads, 16)
	slotName := "password:" + hex.EncodeToString(digest)

	var skey [keySize]byte
	if _, err := rand.Read(skey[:]); err != nil {
		return fmt.Errorf("vault: skey: %w", err)
	}
	key := argon2.IDKey([]byte(identity+password), skey[:], v.params.Time, v.params.Memory, v.params.Threads, keySize)

	var keyArr [keySize]byte
	copy(keyArr[:], key)
	plain := make([]byte, 0, 2*keySize)
	plain = append(plain, env.SKPriv[:]...)
	plain = append(plain, env.MK[:]...)

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plain, &nonce, &keyArr)

	value := make([]byte, 0, keySize+len(sealed))
	value = append(value, skey[:]...)
	value = append(value, sealed...)

	if err := v.kv.Insert(ctx, storage.Row{Partition: partition, SortKey: slotName, Value: value}); err != nil {
		return err
	}
	return nil
}

// Open unseals the vault with a known password, returning the
// keypair/MK. It fails with aeroerr.ErrBadPassword if password does
// not match any known slot or the MAC check fails.
func (v *Vault) Open(ctx context.Context, userSecret, password string) (Keys, error) {
	identity, err := normalizeIdentity(userSecret)
	if err != nil {
		return Keys{}, err
	}

	saltRow, err := v.kv.Get(ctx, partition, saltKey)
	if err != nil {
		if errIs(err, aeroerr.ErrNotFound) {
			return Keys{}, fmt.Errorf("vault: not initialized: %w", aeroerr.ErrNotFound)
		}
		return Keys{}, err
	}
	var salt [keySize]byte
	copy(salt[:], saltRow.Value)

	pubRow, err := v.kv.Get(ctx, partition, publicKey)
	if err != nil {
		return Keys{}, err
	}
	var pk [keySize]byte
	copy(pk[:], pubRow.Value)

	digest := argon2.IDKey([]byte(password), salt[:], v.params.Time, v.params.Memory, v.params.Threads, 16)
	slotName := "password:" + hex.EncodeToString(digest)

	slotRow, err := v.kv.Get(ctx, partition, slotName)
	if err != nil {
		if errIs(err, aeroerr.ErrNotFound) {
			return Keys{}, fmt.Errorf("vault: %w", aeroerr.ErrBadPassword)
		}
		return Keys{}, err
	}
	if len(slotRow.Value) < keySize+secretbox.Overhead+nonceSize {
		return Keys{}, fmt.Errorf("vault: malformed password slot: %w", aeroerr.ErrCorrupt)
	}

	var skey [keySize]byte
	copy(skey[:], slotRow.Value[:keySize])
	sealed := slotRow.Value[keySize:]

	key := argon2.IDKey([]byte(identity+password), skey[:], v.params.Time, v.params.Memory, v.params.Threads, keySize)
	var keyArr [keySize]byte
	copy(keyArr[:], key)

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &keyArr)
	if !ok {
		return Keys{}, fmt.Errorf("vault: %w", aeroerr.ErrBadPassword)
	}
	if len(plain) != 2*keySize {
		return Keys{}, fmt.Errorf("vault: malformed envelope: %w", aeroerr.ErrCorrupt)
	}

	var keys Keys
	copy(keys.SKPriv[:], plain[:keySize])
	copy(keys.MK[:], plain[keySize:])
	keys.PKBytes = pk
	return keys, nil
}

// AddPassword opens the vault with an existing password and adds a
// new slot for newPassword, decrypting to the same keys. It does not
// touch any existing slot.
func (v *Vault) AddPassword(ctx context.Context, userSecret, existingPassword, newPassword string) error {
	keys, err := v.Open(ctx, userSecret, existingPassword)
	if err != nil {
		return err
	}

	saltRow, err := v.kv.Get(ctx, partition, saltKey)
	if err != nil {
		return err
	}
	var salt [keySize]byte
	copy(salt[:], saltRow.Value)

	return v.writePasswordSlot(ctx, salt, userSecret, newPassword, sealedEnvelope{SKPriv: keys.SKPriv, MK: keys.MK})
}

// RemovePassword deletes the slot matching password. If force is
// false and this would remove the last remaining slot, it returns an
// error instead — §9 leaves this behavior as a policy flag rather
// than a mandated default.
func (v *Vault) RemovePassword(ctx context.Context, salt [keySize]byte, password string, force bool) error {
	digest := argon2.IDKey([]byte(password), salt[:], v.params.Time, v.params.Memory, v.params.Threads, 16)
	slotName := "password:" + hex.EncodeToString(digest)

	if !force {
		n, err := v.countPasswordSlots(ctx)
		if err != nil {
			return err
		}
		if n <= 1 {
			return fmt.Errorf("vault: refusing to remove the last password slot (pass force=true to override)")
		}
	}

	return v.kv.Delete(ctx, partition, slotName)
}

func (v *Vault) countPasswordSlots(ctx context.Context) (int, error) {
	rows, err := v.kv.Range(ctx, partition, "password:", "password;", 0)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Salt returns the vault's fixed per-user salt, needed by callers of
// RemovePassword to name the slot to delete.
func (v *Vault) Salt(ctx context.Context) ([keySize]byte, error) {
	var salt [keySize]byte
	row, err := v.kv.Get(ctx, partition, saltKey)
	if err != nil {
		return salt, err
	}
	copy(salt[:], row.Value)
	return salt, nil
}

// Capability is the public-only handle obtainable from PublicOnly: it
// can seal mail for the user but never unseal anything.
type Capability struct {
	pk [keySize]byte
}

// PublicOnly returns a Capability holding only the user's public key.
func (v *Vault) PublicOnly(ctx context.Context) (Capability, error) {
	row, err := v.kv.Get(ctx, partition, publicKey)
	if err != nil {
		return Capability{}, err
	}
	var pk [keySize]byte
	copy(pk[:], row.Value)
	return Capability{pk: pk}, nil
}

// Seal anonymously encrypts msg for the capability's public key: an
// ephemeral keypair is generated per call and its public half is
// prefixed to the ciphertext, so the sender never needs (or reveals)
// an identity of its own — the construction the LMTP deposit path
// relies on to write mail without holding user credentials.
func (c Capability) Seal(msg []byte) ([]byte, error) {
	return sealAnonymous(c.pk, msg)
}

// OpenSealed reverses Seal using the private half of the keypair. The
// public half is not needed: the ephemeral sender key is recovered
// from the sealed message itself.
func OpenSealed(skPriv [keySize]byte, sealed []byte) ([]byte, error) {
	return openAnonymous(skPriv, sealed)
}

func sealAnonymous(recipientPK [keySize]byte, msg []byte) ([]byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("vault: ephemeral keypair: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}

	out := make([]byte, 0, keySize+nonceSize+len(msg)+box.Overhead)
	out = append(out, ephPub[:]...)
	out = box.Seal(append(out, nonce[:]...), msg, &nonce, &recipientPK, ephPriv)
	return out, nil
}

func openAnonymous(skPriv [keySize]byte, sealed []byte) ([]byte, error) {
	if len(sealed) < keySize+nonceSize {
		return nil, fmt.Errorf("vault: sealed message too short: %w", aeroerr.ErrCorrupt)
	}
	var ephPub [keySize]byte
	copy(ephPub[:], sealed[:keySize])
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[keySize:keySize+nonceSize])

	plain, ok := box.Open(nil, sealed[keySize+nonceSize:], &nonce, &ephPub, &skPriv)
	if !ok {
		return nil, fmt.Errorf("vault: %w", aeroerr.ErrCorrupt)
	}
	return plain, nil
}

func errIs(err, target error) bool {
	return aeroerr.Classify(err) == aeroerr.Classify(target)
}

// normalizeIdentity folds userSecret to its precis comparison form
// before it is mixed into key derivation, so the same logical identity
// typed with different case or Unicode normalization always derives
// the same key.
func normalizeIdentity(userSecret string) (string, error) {
	identity, err := precis.UsernameCaseMapped.CompareKey(userSecret)
	if err != nil {
		return "", fmt.Errorf("vault: normalize identity: %w", err)
	}
	return identity, nil
}
