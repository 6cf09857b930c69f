package encryption

import (
	"bytes"
	"context"
	"testing"
)

func TestLocalKeyManager_DataKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	var masterKey [32]byte
	copy(masterKey[:], []byte("jobserv-test-master-key-32-bytes"))
	manager := NewLocalKeyManager(&masterKey)

	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		plainText, sealed, err := manager.GenerateDataKey(ctx)
		if err != nil {
			t.Fatalf("GenerateDataKey(): %s", err)
		}
		if _, dup := seen[string(plainText[:])]; dup {
			t.Fatal("data key repeated")
		}
		seen[string(plainText[:])] = struct{}{}

		unsealed, err := manager.DecryptDataKey(ctx, sealed)
		if err != nil {
			t.Fatalf("DecryptDataKey(): %s", err)
		}
		if !bytes.Equal(plainText[:], unsealed[:]) {
			t.Fatal("unsealed key does not match")
		}
	}
}
