package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func FormatSpeed(bytes int64, elapsed float64) string {
	if elapsed == 0 {
		return "0 B/s"
	}
	bps := float64(bytes) / elapsed
	formatted := FormatBytes(uint64(bps))
	return formatted[:len(formatted)-1] + "B/s" // Slice off "B" and add "B/s"
}

func FormatETA(remaining int64, speed float64) string {
	if speed <= 0 {
		return "--"
	}
	eta := time.Duration(float64(remaining)/speed) * time.Second
	return eta.Round(time.Second).String()
}

// TempDir returns the scratch directory used for a given final output path.
func TempDir(outputPath string) string {
	return filepath.Join(filepath.Dir(outputPath), TempDirName)
}

func RenewOutputPath(outputPath string) string {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	index := 1
	for {
		outputPath = filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, index, ext))
		if _, err := os.Stat(outputPath); os.IsNotExist(err) {
			return outputPath
		}
		index++
	}
}

// CleanTemp removes part files for the given output path, and the temp
// directory itself once it is empty.
func CleanTemp(outputPath string) error {
	tempDir := TempDir(outputPath)
	files, err := os.ReadDir(tempDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	base := filepath.Base(outputPath)
	for _, file := range files {
		if strings.HasPrefix(file.Name(), base) && PartFileRegex.MatchString(file.Name()) {
			if err := os.Remove(filepath.Join(tempDir, file.Name())); err != nil {
				return err
			}
		}
	}
	remaining, err := os.ReadDir(tempDir)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return os.Remove(tempDir)
	}
	return nil
}
