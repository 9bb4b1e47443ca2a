package micloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/magicstartrace/micloud-bridge/internal/config"
)

// selectFix picks the coordinate representation for a receipt.
//
// With coordinateType "original" the raw fix is used when present.
// Otherwise the transformed list is searched for an exact type match,
// falling back to its first entry. The fallback is reported through
// the substituted flag so the caller can log it. Selection only
// happens when the transformed list is non-empty; a receipt without
// transformed representations yields no coordinates at all, matching
// the upstream web client.
func selectFix(receipt *LocationReceipt, coordinateType string) (fix *GPSFix, substituted bool) {
	if len(receipt.GPSInfoTransformed) == 0 {
		return nil, false
	}

	if coordinateType == config.CoordinateOriginal && receipt.GPSInfo != nil {
		return receipt.GPSInfo, false
	}

	for i := range receipt.GPSInfoTransformed {
		if receipt.GPSInfoTransformed[i].CoordinateType == coordinateType {
			return &receipt.GPSInfoTransformed[i], false
		}
	}

	return &receipt.GPSInfoTransformed[0], true
}

// buildSnapshot folds one device's status report into a Snapshot,
// advancing the position ledger when the fix is strictly newer than
// the last one seen for that device.
func buildSnapshot(dev Device, report *StatusReport, coordinateType string, ledger map[string]int64, logger *slog.Logger) Snapshot {
	snap := Snapshot{
		IMEI:    dev.IMEI,
		Model:   dev.Model,
		Version: dev.Version,
	}

	if report.Power != nil {
		v := *report.Power
		snap.Battery = &v
	}
	snap.Status = report.Status

	receipt := report.Receipt
	if receipt == nil {
		return snap
	}

	if ms := int64(receipt.InfoTime); ms > 0 {
		snap.LocationTimestampMS = ms
		snap.LocationUpdateTime = formatFixTime(ms)

		// Ledger is monotonic per device: only a strictly newer fix
		// counts as an update.
		if ms > ledger[dev.IMEI] {
			ledger[dev.IMEI] = ms
			logger.Info("device position updated",
				"model", dev.Model,
				"fix_time", snap.LocationUpdateTime,
			)
		}
	}

	fix, substituted := selectFix(receipt, coordinateType)
	if fix != nil {
		lat, lon := fix.Latitude, fix.Longitude
		acc := int(fix.Accuracy)
		snap.Latitude = &lat
		snap.Longitude = &lon
		snap.Accuracy = &acc
		snap.CoordinateType = fix.CoordinateType
		if substituted {
			logger.Info("configured coordinate type unavailable, using first transformed representation",
				"model", dev.Model,
				"wanted", coordinateType,
				"got", fix.CoordinateType,
			)
		}
	} else {
		logger.Warn("device reported no usable coordinates, locate may not have triggered",
			"model", dev.Model,
		)
	}

	if receipt.Phone != "" {
		snap.Phone = string(receipt.Phone)
	}

	return snap
}

// harvest fetches the latest status of every directory device and
// builds the snapshot sequence in directory order. A failure on one
// device is logged and that device skipped; ErrSessionInvalid from any
// device aborts the whole harvest and propagates.
func (c *Coordinator) harvest(ctx context.Context, coordinateType string) ([]Snapshot, error) {
	snaps := make([]Snapshot, 0, len(c.devices))

	for _, dev := range c.devices {
		if dev.IMEI == "" {
			c.logger.Warn("directory device has no imei, skipping", "model", dev.Model)
			continue
		}

		report, err := c.client.DeviceStatus(ctx, c.session, dev.IMEI)
		if err != nil {
			if errors.Is(err, ErrSessionInvalid) {
				return nil, fmt.Errorf("harvest %s: %w", dev.IMEI, err)
			}
			c.logger.Warn("device status fetch failed, skipping device",
				"model", dev.Model, "error", err)
			continue
		}

		snaps = append(snaps, buildSnapshot(dev, report, coordinateType, c.ledger, c.logger))
	}

	return snaps, nil
}

// entityName derives the stable entity-facing name used by consumers:
// the model lowercased with spaces replaced by underscores, or a
// generic imei-based name when the model is unknown.
func entityName(model, imei string) string {
	if model == "" {
		return "mi_device_" + imei
	}
	return strings.ToLower(strings.ReplaceAll(model, " ", "_"))
}
