package key

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/ironkeep/crypto"
)

type jsonWrappedKey struct {
	KeyID     string           `json:"keyId"`
	WrappedBy string           `json:"wrappedBy"`
	KeyType   Type             `json:"keyType"`
	Sealed    *crypto.Envelope `json:"sealed"`
}

func (wk *WrappedKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(&jsonWrappedKey{
		KeyID:     wk.keyID,
		WrappedBy: wk.wrappedBy,
		KeyType:   wk.keyType,
		Sealed:    wk.sealed,
	})
}

func (wk *WrappedKey) UnmarshalJSON(b []byte) error {
	var jwk jsonWrappedKey
	if err := json.Unmarshal(b, &jwk); err != nil {
		return fmt.Errorf("unmarshaling wrapped key JSON: %w", err)
	}
	if jwk.Sealed == nil {
		return fmt.Errorf("unmarshaling wrapped key JSON: missing sealed key")
	}

	wk.keyID = jwk.KeyID
	wk.wrappedBy = jwk.WrappedBy
	wk.keyType = jwk.KeyType
	wk.sealed = jwk.Sealed

	return nil
}

// UnmarshalWrappedKey deserializes a WrappedKey from JSON.
func UnmarshalWrappedKey(message json.RawMessage) (*WrappedKey, error) {
	wk := &WrappedKey{}
	if err := wk.UnmarshalJSON(message); err != nil {
		return nil, err
	}
	return wk, nil
}
