package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/gridsweep-io/gridsweep/config"
)

// emissionsColumns is the fixed layout of the emissions child table,
// matching the output schema of the codecarbon tracker.
var emissionsColumns = []config.Field{
	{Name: "codecarbon_timestamp", Type: "DATETIME"},
	{Name: "project_name", Type: "VARCHAR(255)"},
	{Name: "run_id", Type: "VARCHAR(255)"},
	{Name: "duration_seconds", Type: "DOUBLE"},
	{Name: "emissions_kg", Type: "DOUBLE"},
	{Name: "emissions_rate_kg_sec", Type: "DOUBLE"},
	{Name: "cpu_power_watt", Type: "DOUBLE"},
	{Name: "gpu_power_watt", Type: "DOUBLE"},
	{Name: "ram_power_watt", Type: "DOUBLE"},
	{Name: "cpu_energy_kw", Type: "DOUBLE"},
	{Name: "gpu_energy_kw", Type: "DOUBLE"},
	{Name: "ram_energy_kw", Type: "DOUBLE"},
	{Name: "energy_consumed_kw", Type: "DOUBLE"},
	{Name: "country_name", Type: "VARCHAR(255)"},
	{Name: "country_iso_code", Type: "VARCHAR(255)"},
	{Name: "region", Type: "VARCHAR(255)"},
	{Name: "cloud_provider", Type: "VARCHAR(255)"},
	{Name: "cloud_region", Type: "VARCHAR(255)"},
	{Name: "os", Type: "VARCHAR(255)"},
	{Name: "tracker_version", Type: "VARCHAR(255)"},
	{Name: "cpu_count", Type: "DOUBLE"},
	{Name: "cpu_model", Type: "VARCHAR(255)"},
	{Name: "gpu_count", Type: "DOUBLE"},
	{Name: "gpu_model", Type: "VARCHAR(255)"},
	{Name: "longitude", Type: "VARCHAR(255)"},
	{Name: "latitude", Type: "VARCHAR(255)"},
	{Name: "ram_total_size", Type: "DOUBLE"},
	{Name: "tracking_mode", Type: "VARCHAR(255)"},
	{Name: "on_cloud", Type: "VARCHAR(255)"},
	{Name: "power_usage_efficiency", Type: "DOUBLE"},
	{Name: "offline_mode", Type: "BOOL"},
}

// EmissionsData is one measurement emitted by the external energy
// tracker. Field names follow the tracker's CSV output.
type EmissionsData struct {
	Timestamp            string
	ProjectName          string
	RunID                string
	DurationSeconds      float64
	EmissionsKg          float64
	EmissionsRateKgSec   float64
	CPUPowerWatt         float64
	GPUPowerWatt         float64
	RAMPowerWatt         float64
	CPUEnergyKw          float64
	GPUEnergyKw          float64
	RAMEnergyKw          float64
	EnergyConsumedKw     float64
	CountryName          string
	CountryISOCode       string
	Region               string
	CloudProvider        string
	CloudRegion          string
	OS                   string
	TrackerVersion       string
	CPUCount             float64
	CPUModel             string
	GPUCount             float64
	GPUModel             string
	Longitude            string
	Latitude             string
	RAMTotalSize         float64
	TrackingMode         string
	OnCloud              string
	PowerUsageEfficiency float64
}

// values lists the measurement in emissions column order, excluding the
// trailing offline_mode flag.
func (e *EmissionsData) values() []any {
	return []any{
		e.Timestamp, e.ProjectName, e.RunID, e.DurationSeconds, e.EmissionsKg,
		e.EmissionsRateKgSec, e.CPUPowerWatt, e.GPUPowerWatt, e.RAMPowerWatt,
		e.CPUEnergyKw, e.GPUEnergyKw, e.RAMEnergyKw, e.EnergyConsumedKw,
		e.CountryName, e.CountryISOCode, e.Region, e.CloudProvider,
		e.CloudRegion, e.OS, e.TrackerVersion, e.CPUCount, e.CPUModel,
		e.GPUCount, e.GPUModel, e.Longitude, e.Latitude, e.RAMTotalSize,
		e.TrackingMode, e.OnCloud, e.PowerUsageEfficiency,
	}
}

// WriteEmissions appends one measurement row to the emissions child
// table, keyed to the bound experiment.
func (p *ResultProcessor) WriteEmissions(ctx context.Context, data *EmissionsData, offline bool) error {
	d := p.table.conn.dialect

	quoted := make([]string, 0, len(emissionsColumns)+1)
	for _, col := range emissionsColumns {
		quoted = append(quoted, d.QuoteIdent(col.Name))
	}

	quoted = append(quoted, d.QuoteIdent("experiment_id"))

	args := append(data.values(), offline, p.experimentID)

	query := d.Rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.QuoteIdent(p.table.EmissionsTableName()),
		strings.Join(quoted, ", "),
		placeholders(len(quoted)),
	))

	if _, err := p.table.conn.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("writing emissions for experiment %d: %w", p.experimentID, err)
	}

	return nil
}
