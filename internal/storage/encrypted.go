package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tink-crypto/tink-go/v2/tink"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// valuePrefix marks encrypted values so that plaintext entries written before
// encryption was enabled are rejected rather than decrypted as garbage.
var valuePrefix = []byte("sb-enc:")

// storageKeyPrefix separates encrypted entries from plaintext ones.
const storageKeyPrefix = "enc:"

var (
	encryptionMetricsOnce sync.Once
	encryptionDuration    metric.Float64Histogram
	encryptionOperations  metric.Int64Counter
)

func initEncryptionMetrics() {
	encryptionMetricsOnce.Do(func() {
		meter := otel.Meter("github.com/rewardly/sync-bridge/internal/storage")

		var err error
		encryptionDuration, err = meter.Float64Histogram(
			"storage.encryption.duration",
			metric.WithDescription("Storage encryption operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}

		encryptionOperations, err = meter.Int64Counter(
			"storage.encryption.total",
			metric.WithDescription("Total storage encryption operations"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Encrypted wraps a Store, encrypting every value with a Tink AEAD. The key is
// used as associated data, binding each ciphertext to its entry so values
// cannot be swapped between keys.
type Encrypted struct {
	wrapped Store
	aead    tink.AEAD
}

func NewEncrypted(wrapped Store, aead tink.AEAD) *Encrypted {
	initEncryptionMetrics()
	return &Encrypted{wrapped: wrapped, aead: aead}
}

// Get decrypts the stored value. A value that fails to decrypt is removed on a
// best-effort basis and reported as an error.
func (e *Encrypted) Get(ctx context.Context, key string) ([]byte, bool, error) {
	storageKey := storageKeyPrefix + key

	stored, found, err := e.wrapped.Get(ctx, storageKey)
	if err != nil || !found {
		return nil, found, err
	}

	start := time.Now()
	value, err := e.decrypt(stored, key)
	recordEncryption(ctx, "decrypt", time.Since(start), err)

	if err != nil {
		_ = e.wrapped.Remove(ctx, storageKey)
		return nil, false, fmt.Errorf("storage decryption failure for key %q: %w", key, err)
	}

	return value, true, nil
}

func (e *Encrypted) Set(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	ciphertext, err := e.aead.Encrypt(value, []byte(key))
	recordEncryption(ctx, "encrypt", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("encrypting value: %w", err)
	}

	return e.wrapped.Set(ctx, storageKeyPrefix+key, append(bytes.Clone(valuePrefix), ciphertext...))
}

func (e *Encrypted) Remove(ctx context.Context, key string) error {
	return e.wrapped.Remove(ctx, storageKeyPrefix+key)
}

func (e *Encrypted) Clear(ctx context.Context) error {
	return e.wrapped.Clear(ctx)
}

func (e *Encrypted) Close() error {
	if closer, ok := e.aead.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	return e.wrapped.Close()
}

func (e *Encrypted) decrypt(stored []byte, key string) ([]byte, error) {
	if !bytes.HasPrefix(stored, valuePrefix) {
		return nil, fmt.Errorf("missing %q prefix: value may be unencrypted or corrupted", valuePrefix)
	}

	plaintext, err := e.aead.Decrypt(bytes.TrimPrefix(stored, valuePrefix), []byte(key))
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}

func recordEncryption(ctx context.Context, operation string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}

	if encryptionDuration != nil {
		encryptionDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("encryption.operation", operation)),
		)
	}
	if encryptionOperations != nil {
		encryptionOperations.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("encryption.operation", operation),
				attribute.String("encryption.outcome", outcome),
			),
		)
	}
}
