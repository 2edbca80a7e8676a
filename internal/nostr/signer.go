package nostr

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Signer is the capability to create and sign events on behalf of a user.
// A nil Signer means the caller is not authenticated.
type Signer interface {
	// PubKey returns the hex public key the signer signs as.
	PubKey() string

	// CreateAndSignEvent builds, IDs, and signs an event. It may return
	// (nil, nil) when the underlying signer declines without an error.
	CreateAndSignEvent(ctx context.Context, kind int, content string, tags [][]string) (*Event, error)
}

// LocalSigner signs events with an in-memory private key.
type LocalSigner struct {
	privKey *btcec.PrivateKey
	pubKey  string
}

// NewLocalSigner creates a signer from a 32-byte hex private key.
func NewLocalSigner(privKeyHex string) (*LocalSigner, error) {
	keyBytes, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, errors.New("private key must be 32 bytes")
	}

	privKey, _ := btcec.PrivKeyFromBytes(keyBytes)
	if privKey == nil {
		return nil, errors.New("invalid private key")
	}

	return &LocalSigner{
		privKey: privKey,
		pubKey:  hex.EncodeToString(schnorr.SerializePubKey(privKey.PubKey())),
	}, nil
}

// GenerateLocalSigner creates a signer with a fresh random key.
func GenerateLocalSigner() (*LocalSigner, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &LocalSigner{
		privKey: privKey,
		pubKey:  hex.EncodeToString(schnorr.SerializePubKey(privKey.PubKey())),
	}, nil
}

func (s *LocalSigner) PubKey() string {
	return s.pubKey
}

func (s *LocalSigner) CreateAndSignEvent(ctx context.Context, kind int, content string, tags [][]string) (*Event, error) {
	if tags == nil {
		tags = [][]string{}
	}

	event := &Event{
		PubKey:    s.pubKey,
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	event.ID = ComputeEventID(event)

	idBytes, err := hex.DecodeString(event.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid event ID hex: %w", err)
	}

	sig, err := schnorr.Sign(s.privKey, idBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to sign event: %w", err)
	}
	event.Sig = hex.EncodeToString(sig.Serialize())

	return event, nil
}
