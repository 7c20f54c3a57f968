package models

import (
	"context"

	"github.com/eduadmin/cashbook_backend/utils"
	"gorm.io/gorm"
)

// GetDefaultFeeTypes is the registry an installation starts with.
func GetDefaultFeeTypes() map[string]string {
	return map[string]string{
		"TUITION": "Tuition Fee",
		"ADMSN":   "Admission Fee",
		"EXAM":    "Examination Fee",
		"LIB":     "Library Fee",
		"LAB":     "Laboratory Fee",
		"MIGR":    "Migration Certificate Fee",
		"PROV":    "Provisional Certificate Fee",
		"LATE":    "Late Fine",
		"MISC":    "Miscellaneous",
	}
}

// CreateDefaultFeeTypes inserts the default catalog entries whose codes are
// not already present. Idempotent, so seed tooling can re-run it.
func CreateDefaultFeeTypes(tx *gorm.DB, ctx context.Context) ([]FeeType, error) {

	defaults := GetDefaultFeeTypes()

	var existing []string
	if err := tx.WithContext(ctx).Model(&FeeType{}).Pluck("code", &existing).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	existingCodes := make(map[string]bool, len(existing))
	for _, code := range existing {
		existingCodes[code] = true
	}

	var feeTypes []FeeType
	for code, name := range defaults {
		if existingCodes[code] {
			continue
		}
		feeTypes = append(feeTypes, FeeType{
			Code:     code,
			Name:     name,
			IsActive: utils.NewTrue(),
		})
	}
	if len(feeTypes) == 0 {
		return nil, nil
	}

	if err := tx.WithContext(ctx).Create(&feeTypes).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	return feeTypes, nil
}
