package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/eduadmin/cashbook_backend/config"
	"github.com/eduadmin/cashbook_backend/utils"
)

// FeeType is static reference data; every receipt line item references one.
// Fee types are never physically deleted (historical receipts point at them),
// only deactivated.
type FeeType struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Code      string    `gorm:"size:20;not null;uniqueIndex" json:"code" binding:"required"`
	Name      string    `gorm:"size:255;not null" json:"name" binding:"required"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewFeeType struct {
	Code string `json:"code" binding:"required"`
	Name string `json:"name" binding:"required"`
}

type UpdateFeeTypeInput struct {
	Name     string `json:"name" binding:"required"`
	IsActive *bool  `json:"is_active" binding:"required"`
}

const activeFeeTypeCacheKey = "feeTypes:active"

func CreateFeeType(ctx context.Context, input *NewFeeType) (*FeeType, error) {
	code := strings.ToUpper(strings.TrimSpace(input.Code))
	if code == "" {
		return nil, errors.New("fee type code is required")
	}

	if err := utils.ValidateUnique[FeeType](ctx, "code", code, 0); err != nil {
		return nil, utils.ErrDuplicateCode
	}

	isActive := true
	feeType := FeeType{
		Code:     code,
		Name:     strings.TrimSpace(input.Name),
		IsActive: &isActive,
	}

	db := config.GetDB()
	// unique index on code is the real guard; the pre-check above only gives
	// the friendlier error on the common path
	if err := db.WithContext(ctx).Create(&feeType).Error; err != nil {
		if utils.IsDuplicateKeyError(err) {
			return nil, utils.ErrDuplicateCode
		}
		return nil, err
	}

	if err := config.RemoveRedisKey(activeFeeTypeCacheKey); err != nil {
		config.LogError(config.GetLogger(), "feeType.go", "CreateFeeType", "clearing fee type cache", feeType.Code, err)
	}
	return &feeType, nil
}

// UpdateFeeType changes name and active state. Code is immutable after create;
// deactivating blocks new line items but leaves existing receipts untouched.
func UpdateFeeType(ctx context.Context, id int, input *UpdateFeeTypeInput) (*FeeType, error) {
	feeType, err := utils.FetchModel[FeeType](ctx, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(feeType).
		Updates(map[string]interface{}{
			"Name":     strings.TrimSpace(input.Name),
			"IsActive": input.IsActive,
		}).Error; err != nil {
		return nil, err
	}

	if err := config.RemoveRedisKey(activeFeeTypeCacheKey); err != nil {
		config.LogError(config.GetLogger(), "feeType.go", "UpdateFeeType", "clearing fee type cache", feeType.Code, err)
	}
	return feeType, nil
}

func GetFeeTypesAll(ctx context.Context, activeOnly bool) ([]*FeeType, error) {
	db := config.GetDB()
	var results []*FeeType
	dbCtx := db.WithContext(ctx)
	if activeOnly {
		dbCtx = dbCtx.Where("is_active = ?", true)
	}
	if err := dbCtx.Order("code").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// getActiveFeeTypeCodes returns the set of codes new line items may use,
// redis-cached the same way transaction prefixes are.
func getActiveFeeTypeCodes(ctx context.Context) (map[string]bool, error) {
	codes := make(map[string]bool)
	exists, err := config.GetRedisObject(activeFeeTypeCacheKey, &codes)
	if err != nil {
		return nil, err
	}
	if !exists {
		feeTypes, err := GetFeeTypesAll(ctx, true)
		if err != nil {
			return nil, err
		}
		for _, ft := range feeTypes {
			codes[ft.Code] = true
		}
		if err := config.SetRedisObject(activeFeeTypeCacheKey, &codes, 0); err != nil {
			return nil, err
		}
	}
	return codes, nil
}
