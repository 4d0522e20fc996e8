package crawler

import (
	"fmt"
)

// SubBatchSize is the number of records committed together by PersistBatch.
const SubBatchSize = 100

// PersistTailFirst walks records from the last element toward the first and
// hands commit chunks of at most size records, in write order. If commit fails
// the remaining chunks are not attempted, so the durable set is always a
// suffix of records.
func PersistTailFirst(records []ArticleRecord, size int, commit func(chunk []ArticleRecord) error) error {
	if size <= 0 {
		size = SubBatchSize
	}
	chunk := make([]ArticleRecord, 0, size)
	for i := len(records) - 1; i >= 0; i-- {
		chunk = append(chunk, records[i])
		if len(chunk) == size || i == 0 {
			if err := commit(chunk); err != nil {
				return err
			}
			chunk = make([]ArticleRecord, 0, size)
		}
	}
	return nil
}

// CheckBatch validates records against the batch source before any write.
func CheckBatch(records []ArticleRecord, source Source) error {
	for i, rec := range records {
		if rec.Source != source {
			return fmt.Errorf("record %d: source %q does not match batch source %q", i, rec.Source, source)
		}
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}
