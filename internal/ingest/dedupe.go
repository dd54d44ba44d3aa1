package ingest

import "github.com/careatlas/bulk-intake/internal/domain"

// Dedupe collapses rows sharing an identity key. The first occurrence of a
// key is kept in unique; every later occurrence goes to duplicates in
// original order. No row ever appears in both lists.
func Dedupe(rows []domain.HospitalRow) (unique []domain.HospitalRow, duplicates []domain.HospitalRow) {
	seen := make(map[domain.IdentityKey]struct{}, len(rows))
	unique = make([]domain.HospitalRow, 0, len(rows))
	duplicates = []domain.HospitalRow{}

	for _, row := range rows {
		key := row.IdentityKey()
		if _, ok := seen[key]; ok {
			duplicates = append(duplicates, row)
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, row)
	}

	return unique, duplicates
}
