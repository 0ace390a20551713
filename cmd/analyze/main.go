// Command analyze runs the post-hoc analyzer over a saved capture session
// and prints a summary, mirroring the capture/replay tooling retained from
// the teacher's OBD2 logger and adapted to KWP2000/ISO-TP frame semantics.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmwdiag/gateway/internal/analysis"
	"github.com/bmwdiag/gateway/internal/capture"
)

func main() {
	var inputFile string
	flag.StringVar(&inputFile, "file", "", "Capture file to analyze")
	flag.Parse()

	if inputFile == "" {
		fmt.Println("Please specify a capture file with -file")
		os.Exit(1)
	}

	session, err := capture.LoadSession(inputFile)
	if err != nil {
		log.Fatalf("Failed to load session: %v", err)
	}

	analyzer := analysis.NewAnalyzer(session, analysis.DefaultOptions())
	result, err := analyzer.Analyze()
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}

	fmt.Printf("\nSession Analysis for %s\n", filepath.Base(inputFile))
	fmt.Printf("=================================\n")
	fmt.Printf("Duration: %s\n", result.SessionInfo.Duration)
	fmt.Printf("Vehicle: %s\n", result.SessionInfo.VehicleInfo)
	fmt.Printf("Total Frames: %d\n", result.SessionInfo.TotalFrames)
	fmt.Printf("Unique CAN IDs: %d\n", result.CANActivity.UniqueIDs)

	fmt.Printf("\nLive Parameters:\n")
	keys := make([]string, 0, len(result.Performance.Parameters))
	for k := range result.Performance.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := result.Performance.Parameters[k]
		fmt.Printf("- %-12s min=%.2f max=%.2f mean=%.2f samples=%d\n", k, s.Min, s.Max, s.Mean, s.Samples)
	}
	fmt.Printf("- Data Rate: %.2f frames/sec\n", result.Performance.DataRate)

	fmt.Printf("\nDriving Behavior:\n")
	fmt.Printf("- Idle Time: %.1f%%\n", result.DrivingBehavior.IdleTime)
	fmt.Printf("- Rapid Accelerations: %d\n", result.DrivingBehavior.RapidAccel)
	fmt.Printf("- Rapid Decelerations: %d\n", result.DrivingBehavior.RapidDecel)

	fmt.Printf("\nDiagnostics:\n")
	fmt.Printf("- DTC Count: %d\n", result.Diagnostics.DTCCount)
	for _, dtc := range result.Diagnostics.UniqueDTCs {
		fmt.Printf("  %s\n", dtc)
	}
}
