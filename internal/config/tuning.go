// Package config holds the detection tuning knobs shared by the pipeline stages.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Tuning groups every knob that shapes how frames become crossing counts.
// The zero value is not useful; start from Default and overlay a file with Load.
type Tuning struct {
	// TopCropRatio is the fraction of rows dropped from the top of each frame.
	TopCropRatio float64 `json:"top_crop_ratio"`
	// BottomCropRatio is the fraction of rows dropped from the bottom of each frame.
	BottomCropRatio float64 `json:"bottom_crop_ratio"`
	// Channel selects the color plane (BGR order) used for exposure and binarization.
	Channel int `json:"channel"`
	// DarknessThreshold rejects frames whose ROI channel mean falls below it.
	DarknessThreshold float64 `json:"darkness_threshold"`
	// BinarizeCutoff marks a pixel as object when its channel value is at or below it.
	BinarizeCutoff uint8 `json:"binarize_cutoff"`
	// KernelRadius is the radius in pixels of the disk convolution kernel.
	KernelRadius int `json:"kernel_radius"`
	// TrivialRidgeValue pre-marks ridge cells at or below it as visited.
	TrivialRidgeValue uint16 `json:"trivial_ridge_value"`
	// WalkSpan is the number of rows above and below inspected at each walk step.
	WalkSpan int `json:"walk_span"`
	// MinRunLength is the segment length required before a peak is emitted.
	MinRunLength int `json:"min_run_length"`
	// EdgeMargin rows at the top and bottom never start a ridge walk.
	EdgeMargin int `json:"edge_margin"`
	// MergeRadius is the minimum separation between two centers of one frame.
	MergeRadius float64 `json:"merge_radius"`
	// MatchDistanceFraction caps a frame-to-frame match at this fraction of the ROI height.
	MatchDistanceFraction float64 `json:"match_distance_fraction"`
	// ReportInterval is the number of tracked frames between two aggregates.
	ReportInterval int `json:"report_interval"`
	// RecordType is the record type tag sent with every aggregate.
	RecordType int `json:"record_type"`
	// TargetFPS paces acquisition; zero disables pacing.
	TargetFPS float64 `json:"target_fps"`
}

// Default returns the tuning the hive cameras were calibrated with.
func Default() Tuning {
	return Tuning{
		TopCropRatio:          0.40,
		BottomCropRatio:       0.10,
		Channel:               0,
		DarknessThreshold:     120,
		BinarizeCutoff:        100,
		KernelRadius:          15,
		TrivialRidgeValue:     50,
		WalkSpan:              3,
		MinRunLength:          5,
		EdgeMargin:            5,
		MergeRadius:           11,
		MatchDistanceFraction: 0.6,
		ReportInterval:        500,
		RecordType:            3,
		TargetFPS:             24,
	}
}

// Load reads a JSON tuning file. Fields omitted from the file keep their
// default values, so partial files are safe.
func Load(path string) (Tuning, error) {
	cfg := Default()

	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return cfg, fmt.Errorf("tuning file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to stat tuning file: %w", err)
	}
	const maxFileSize = 1 << 20
	if info.Size() > maxFileSize {
		return cfg, fmt.Errorf("tuning file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to read tuning file: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse tuning JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid tuning: %w", err)
	}
	return cfg, nil
}

// Validate checks that every knob is within a usable range.
func (t Tuning) Validate() error {
	if t.TopCropRatio < 0 || t.BottomCropRatio < 0 || t.TopCropRatio+t.BottomCropRatio >= 1 {
		return fmt.Errorf("crop ratios must be non-negative and leave rows, got top=%v bottom=%v",
			t.TopCropRatio, t.BottomCropRatio)
	}
	if t.Channel < 0 || t.Channel > 2 {
		return fmt.Errorf("channel must be 0, 1 or 2, got %d", t.Channel)
	}
	if t.DarknessThreshold < 0 || t.DarknessThreshold > 255 {
		return fmt.Errorf("darkness_threshold must be between 0 and 255, got %v", t.DarknessThreshold)
	}
	if t.KernelRadius < 1 {
		return fmt.Errorf("kernel_radius must be positive, got %d", t.KernelRadius)
	}
	if t.WalkSpan < 0 {
		return fmt.Errorf("walk_span must be non-negative, got %d", t.WalkSpan)
	}
	if t.MinRunLength < 1 {
		return fmt.Errorf("min_run_length must be positive, got %d", t.MinRunLength)
	}
	if t.EdgeMargin < 0 {
		return fmt.Errorf("edge_margin must be non-negative, got %d", t.EdgeMargin)
	}
	if t.MergeRadius < 0 {
		return fmt.Errorf("merge_radius must be non-negative, got %v", t.MergeRadius)
	}
	if t.MatchDistanceFraction <= 0 {
		return fmt.Errorf("match_distance_fraction must be positive, got %v", t.MatchDistanceFraction)
	}
	if t.ReportInterval < 1 {
		return fmt.Errorf("report_interval must be positive, got %d", t.ReportInterval)
	}
	if t.TargetFPS < 0 {
		return fmt.Errorf("target_fps must be non-negative, got %v", t.TargetFPS)
	}
	return nil
}

// FrameInterval is the pacing period derived from TargetFPS, zero when pacing is off.
func (t Tuning) FrameInterval() time.Duration {
	if t.TargetFPS <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / t.TargetFPS)
}
