package proofs

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestIsKeccak(t *testing.T) {
	// keccak256("") is a well known constant.
	assert.Equal(t, "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", Digest(nil))
	assert.Len(t, Digest([]byte("mine_result")), 66)
}

func TestRecordAndVerify(t *testing.T) {
	at := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	l := NewLedger(WithClock(func() time.Time { return at }))

	digest := l.Record("thief", []byte(`{"success":true}`))
	assert.Equal(t, Digest([]byte(`{"success":true}`)), digest)
	assert.True(t, l.Verify("thief", []byte(`{"success":true}`)))
	assert.False(t, l.Verify("thief", []byte(`{"success":false}`)))
	assert.False(t, l.Verify("guard", []byte(`{"success":true}`)))

	l.Record("thief", []byte("second"))
	assert.False(t, l.Verify("thief", []byte(`{"success":true}`)))
	rec, ok := l.Lookup("thief")
	require.True(t, ok)
	assert.Equal(t, at, rec.At)
	assert.Empty(t, rec.Signature)
}

func TestSignedRecords(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	l := NewLedger(WithSigningKey(key))

	l.Record("guard", []byte("inspect_result"))
	rec, _ := l.Lookup("guard")
	require.NotEmpty(t, rec.Signature)

	signer, err := RecoverSigner(rec)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer)
	assert.Equal(t, signer.Hex(), rec.Signer)

	_, err = RecoverSigner(Record{Digest: rec.Digest})
	assert.Error(t, err)
}

func TestConcurrentRecords(t *testing.T) {
	l := NewLedger()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Record(fmt.Sprintf("agent-%02d", i), []byte{byte(i)})
		}(i)
	}
	wg.Wait()

	records := l.Records()
	require.Len(t, records, 32)
	assert.Equal(t, "agent-00", records[0].Agent)
	assert.True(t, l.Verify("agent-07", []byte{7}))
}
