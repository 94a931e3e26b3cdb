package queue

import (
	"crypto/sha256"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/hearthware/homesync/internal/entity"
)

// opNamespace is the fixed namespace for derived operation ids. Changing it
// would change every derived id, so it is frozen.
var opNamespace = uuid.MustParse("9b2b6a3e-55c1-4f52-8d8e-7a40c1a2f6d1")

// OperationID derives the idempotency key for a mutation. The derivation is a
// pure function of the mutation's identity, so a client that loses its queue
// and re-creates the same logical mutation (same entity, op, and timestamp)
// produces the same key and the server still deduplicates it.
func OperationID(entityType entity.Type, localID string, op entity.Op, clientTimestamp time.Time) string {
	return uuid.NewHash(sha256.New(), opNamespace, []byte(operationSeed(entityType, localID, op, clientTimestamp)), 5).String()
}

// FallbackOperationID is the non-cryptographic derivation over the same seed
// string. Older clients without SHA-256 support used it; it is kept so their
// ids remain reproducible. Like the primary path it is fully deterministic.
func FallbackOperationID(entityType entity.Type, localID string, op entity.Op, clientTimestamp time.Time) string {
	return uuid.NewHash(fnv.New128a(), opNamespace, []byte(operationSeed(entityType, localID, op, clientTimestamp)), 4).String()
}

func operationSeed(entityType entity.Type, localID string, op entity.Op, clientTimestamp time.Time) string {
	return fmt.Sprintf("%s|%s|%s|%s", entityType, localID, op, clientTimestamp.UTC().Format(time.RFC3339Nano))
}
