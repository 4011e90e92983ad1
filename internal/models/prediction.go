package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Driver is one human-readable explanation of a contributing signal.
type Driver struct {
	Label  string  `json:"label"`
	Weight float64 `json:"weight"`
}

// DriverList is stored as a JSONB column, ordered by descending |weight|.
type DriverList []Driver

// Scan implements the sql.Scanner interface for JSONB
func (d *DriverList) Scan(value interface{}) error {
	if value == nil {
		*d = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return fmt.Errorf("cannot scan %T into DriverList", value)
		}
	}

	var result []Driver
	if err := json.Unmarshal(bytes, &result); err != nil {
		return err
	}

	*d = DriverList(result)
	return nil
}

// Value implements the driver.Valuer interface for JSONB
func (d DriverList) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// Prediction is the scored output tied 1:1 to a GameFeatures computation.
// New computations append; history is never mutated.
type Prediction struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	GameID         string     `gorm:"not null;uniqueIndex:idx_prediction_key;index" json:"game_id"`
	FeatureSetID   uint       `gorm:"not null;uniqueIndex:idx_prediction_key" json:"feature_set_id"`
	ModelVersion   string     `gorm:"not null;uniqueIndex:idx_prediction_key" json:"model_version"`
	UPSScore       float64    `gorm:"not null" json:"ups_score"` // 0-100
	ConfidenceBand float64    `gorm:"not null" json:"confidence_band"`
	Drivers        DriverList `gorm:"type:jsonb" json:"drivers"`
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`
}

// TableName specifies the table name for GORM
func (Prediction) TableName() string {
	return "predictions"
}
