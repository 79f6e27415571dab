package strategy

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents a strategy configuration entry in YAML.
type Config struct {
	ID         string                 `yaml:"id"`
	Name       string                 `yaml:"name"`
	Kind       string                 `yaml:"kind"` // ma_cross, rsi, bollinger, grid, volume_profile, trailing_stop, profit_target
	Symbol     string                 `yaml:"symbol"`
	Parameters map[string]interface{} `yaml:"parameters"`
	IsActive   bool                   `yaml:"is_active"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Strategies []Config `yaml:"strategies"`
}

// LoadConfig reads strategies from a YAML file.
func LoadConfig(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	return file.Strategies, nil
}

// SyncConfigToDB upserts strategies from config into the database.
func SyncConfigToDB(db *sql.DB, configs []Config) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO strategy_instances (id, name, kind, symbol, parameters, is_active, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'ACTIVE', CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			symbol = excluded.symbol,
			parameters = excluded.parameters,
			is_active = excluded.is_active,
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, cfg := range configs {
		paramsJSON, err := json.Marshal(cfg.Parameters)
		if err != nil {
			return fmt.Errorf("marshal parameters for strategy %s: %w", cfg.Name, err)
		}

		if _, err := stmt.Exec(cfg.ID, cfg.Name, cfg.Kind, cfg.Symbol, string(paramsJSON), cfg.IsActive); err != nil {
			return fmt.Errorf("upsert strategy %s: %w", cfg.Name, err)
		}
	}

	return tx.Commit()
}

// decodeParams re-marshals a Config's untyped Parameters map into a
// strategy-specific struct. Used by Initialize/UpdateConfig, which take the
// same Config shape LoadStrategies builds from a database row.
func decodeParams(config Config, out interface{}) error {
	raw, err := json.Marshal(config.Parameters)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// buildFromRow constructs a concrete Strategy from a DB row's kind and JSON
// parameters. Used by Manager.LoadStrategies.
func buildFromRow(id, kind, symbol, paramsJSON string) (Strategy, error) {
	switch kind {
	case "ma_cross":
		var p struct {
			Fast int     `json:"fast"`
			Slow int     `json:"slow"`
			Size float64 `json:"size"`
		}
		if err := json.Unmarshal([]byte(paramsJSON), &p); err != nil {
			return nil, err
		}
		return NewMACrossStrategy(id, symbol, p.Fast, p.Slow, p.Size), nil

	case "rsi":
		var p struct {
			Period     int     `json:"period"`
			Oversold   float64 `json:"oversold"`
			Overbought float64 `json:"overbought"`
			Size       float64 `json:"size"`
		}
		if err := json.Unmarshal([]byte(paramsJSON), &p); err != nil {
			return nil, err
		}
		return NewRSIStrategy(id, symbol, p.Period, p.Oversold, p.Overbought, p.Size), nil

	case "bollinger":
		var p struct {
			Period    int     `json:"period"`
			NumStdDev float64 `json:"std_dev"`
			Size      float64 `json:"size"`
		}
		if err := json.Unmarshal([]byte(paramsJSON), &p); err != nil {
			return nil, err
		}
		return NewBollingerStrategy(id, symbol, p.Period, p.NumStdDev, p.Size), nil

	case "grid":
		var p struct {
			Lower float64 `json:"lower"`
			Upper float64 `json:"upper"`
			Size  float64 `json:"size"`
		}
		if err := json.Unmarshal([]byte(paramsJSON), &p); err != nil {
			return nil, err
		}
		return NewGridStrategy(id, symbol, p.Lower, p.Upper, p.Size), nil

	case "volume_profile":
		var p struct {
			Multiplier float64 `json:"multiplier"`
			Size       float64 `json:"size"`
			Period     int     `json:"period"`
		}
		if err := json.Unmarshal([]byte(paramsJSON), &p); err != nil {
			return nil, err
		}
		return NewVolumeProfileStrategy(id, symbol, p.Multiplier, p.Size, p.Period), nil

	case "trailing_stop":
		var p struct {
			TrailingPercent float64 `json:"trailing_percent"`
		}
		if err := json.Unmarshal([]byte(paramsJSON), &p); err != nil {
			return nil, err
		}
		return NewTrailingStopStrategy(id, symbol, p.TrailingPercent), nil

	case "profit_target":
		var p struct {
			TargetPercent float64 `json:"target_percent"`
		}
		if err := json.Unmarshal([]byte(paramsJSON), &p); err != nil {
			return nil, err
		}
		return NewProfitTargetStrategy(id, p.TargetPercent), nil

	default:
		return nil, fmt.Errorf("strategy: unknown kind %q", kind)
	}
}
