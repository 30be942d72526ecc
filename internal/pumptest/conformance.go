// Package pumptest provides vendor-agnostic conformance testing for pump drivers.
package pumptest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/pump-control/pcc/internal/profile"
	"github.com/pump-control/pcc/internal/pump"
)

// Capabilities defines the envelope a driver is expected to enforce.
type Capabilities struct {
	MaxBolus       float64
	MaxBasalRate   float64
	MaxTempPercent int
	VendorID       string
}

// ConformanceResult represents the result of a conformance test.
type ConformanceResult struct {
	TestName string
	Passed   bool
	Error    string
	Duration time.Duration
	Details  map[string]interface{}
}

// ConformanceReport represents the complete conformance test report.
type ConformanceReport struct {
	DriverName    string
	TotalTests    int
	PassedTests   int
	FailedTests   int
	Results       []ConformanceResult
	OverallPassed bool
	Duration      time.Duration
}

// RunConformance runs the complete conformance test suite for a driver.
func RunConformance(t *testing.T, newDriver func() pump.Driver, caps Capabilities) {
	startTime := time.Now()

	report := &ConformanceReport{
		DriverName:    newDriver().Description().Model,
		Results:       []ConformanceResult{},
		OverallPassed: true,
	}

	runDescriptionTests(newDriver, caps, report)
	runBolusTests(newDriver, caps, report)
	runTempBasalTests(newDriver, caps, report)
	runCancelTests(newDriver, report)
	runStatusTests(newDriver, report)
	runProfileTests(newDriver, report)
	runContextTests(newDriver, report)

	report.Duration = time.Since(startTime)

	printConformanceReport(t, report)

	if !report.OverallPassed {
		t.Fatalf("Driver conformance test failed: %d/%d tests passed", report.PassedTests, report.TotalTests)
	}
}

func runDescriptionTests(newDriver func() pump.Driver, caps Capabilities, report *ConformanceReport) {
	desc := newDriver().Description()
	result := ConformanceResult{
		TestName: "Description_Envelope",
		Details:  map[string]interface{}{"model": desc.Model},
	}
	switch {
	case desc.Model == "":
		result.Error = "model is empty"
	case desc.MaxBolus != caps.MaxBolus:
		result.Error = fmt.Sprintf("max bolus %.2f, want %.2f", desc.MaxBolus, caps.MaxBolus)
	case desc.MaxBasalRate != caps.MaxBasalRate:
		result.Error = fmt.Sprintf("max basal %.2f, want %.2f", desc.MaxBasalRate, caps.MaxBasalRate)
	default:
		result.Passed = true
	}
	report.addResult(result)
}

func runBolusTests(newDriver func() pump.Driver, caps Capabilities, report *ConformanceReport) {
	ctx := context.Background()

	for _, units := range []float64{0.1, caps.MaxBolus / 2, caps.MaxBolus} {
		driver := newDriver()
		result := ConformanceResult{
			TestName: fmt.Sprintf("Bolus_Valid_%.2f", units),
			Details:  make(map[string]interface{}),
		}
		start := time.Now()
		res, err := driver.DeliverTreatment(ctx, pump.DetailedBolusInfo{Insulin: units, Type: pump.BolusNormal, Timestamp: time.Now()})
		result.Duration = time.Since(start)

		switch {
		case err != nil:
			result.Error = fmt.Sprintf("DeliverTreatment(%.2f) failed: %v", units, err)
		case !res.Success() || !res.Enacted():
			result.Error = fmt.Sprintf("DeliverTreatment(%.2f) not enacted: %s", units, res)
		default:
			result.Passed = true
			result.Details["units"] = res.Units()
		}
		report.addResult(result)
	}

	for _, units := range []float64{-1, caps.MaxBolus + 1} {
		driver := newDriver()
		result := ConformanceResult{
			TestName: fmt.Sprintf("Bolus_Invalid_%.2f", units),
			Details:  make(map[string]interface{}),
		}
		res, err := driver.DeliverTreatment(ctx, pump.DetailedBolusInfo{Insulin: units, Type: pump.BolusNormal})
		result.Passed, result.Error = expectRejected(res, err, pump.ErrInvalidRange, caps.VendorID)
		report.addResult(result)
	}
}

func runTempBasalTests(newDriver func() pump.Driver, caps Capabilities, report *ConformanceReport) {
	ctx := context.Background()

	driver := newDriver()
	result := ConformanceResult{TestName: "TempBasal_Absolute_Valid", Details: make(map[string]interface{})}
	res, err := driver.SetTempBasalAbsolute(ctx, caps.MaxBasalRate/2, 30*time.Minute, true)
	if err != nil || !res.Success() || !res.Absolute() {
		result.Error = fmt.Sprintf("result=%s err=%v", res, err)
	} else {
		result.Passed = true
		result.Details["rate"] = res.Rate()
	}
	report.addResult(result)

	driver = newDriver()
	result = ConformanceResult{TestName: "TempBasal_Absolute_Invalid"}
	res, err = driver.SetTempBasalAbsolute(ctx, caps.MaxBasalRate+1, 30*time.Minute, true)
	result.Passed, result.Error = expectRejected(res, err, pump.ErrInvalidRange, caps.VendorID)
	report.addResult(result)

	driver = newDriver()
	result = ConformanceResult{TestName: "TempBasal_Percent_Invalid"}
	res, err = driver.SetTempBasalPercent(ctx, caps.MaxTempPercent+10, 30*time.Minute, true)
	result.Passed, result.Error = expectRejected(res, err, pump.ErrInvalidRange, caps.VendorID)
	report.addResult(result)
}

func runCancelTests(newDriver func() pump.Driver, report *ConformanceReport) {
	ctx := context.Background()
	driver := newDriver()

	result := ConformanceResult{TestName: "CancelTempBasal_Idempotent"}
	first, err1 := driver.CancelTempBasal(ctx, false)
	second, err2 := driver.CancelTempBasal(ctx, false)
	switch {
	case err1 != nil || err2 != nil:
		result.Error = fmt.Sprintf("cancel errors: %v, %v", err1, err2)
	case !first.Success() || !second.Success():
		result.Error = "cancel without running temp basal must succeed"
	case !first.IsTempCancel() || !second.IsTempCancel():
		result.Error = "cancel result must be flagged as temp cancel"
	default:
		result.Passed = true
	}
	report.addResult(result)
}

func runStatusTests(newDriver func() pump.Driver, report *ConformanceReport) {
	driver := newDriver()
	result := ConformanceResult{TestName: "ReadStatus_Basic", Details: make(map[string]interface{})}

	start := time.Now()
	status, err := driver.ReadStatus(context.Background(), "conformance")
	result.Duration = time.Since(start)

	switch {
	case err != nil:
		result.Error = fmt.Sprintf("ReadStatus failed: %v", err)
	case status.ReadAt.IsZero():
		result.Error = "status read time is zero"
	default:
		result.Passed = true
		result.Details["reservoir"] = status.Reservoir
	}
	report.addResult(result)
}

func runProfileTests(newDriver func() pump.Driver, report *ConformanceReport) {
	driver := newDriver()
	result := ConformanceResult{TestName: "SetProfile_Basic"}

	prof := &profile.Profile{
		Name:  "conformance",
		Units: "mg/dl",
		DIA:   6,
		Basal: []profile.Block{{Start: "00:00", Value: 0.5}},
	}
	res, err := driver.SetProfile(context.Background(), prof)
	if err != nil || !res.Success() {
		result.Error = fmt.Sprintf("result=%s err=%v", res, err)
	} else {
		result.Passed = true
	}
	report.addResult(result)
}

func runContextTests(newDriver func() pump.Driver, report *ConformanceReport) {
	driver := newDriver()
	result := ConformanceResult{TestName: "Context_Cancelled"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := driver.DeliverTreatment(ctx, pump.DetailedBolusInfo{Insulin: 0.5, Type: pump.BolusNormal})
	switch {
	case err == nil:
		result.Error = "DeliverTreatment on cancelled context returned no error"
	case res.Enacted():
		result.Error = "DeliverTreatment on cancelled context enacted"
	case !errors.Is(err, context.Canceled):
		result.Error = fmt.Sprintf("expected context.Canceled, got %v", err)
	default:
		result.Passed = true
	}
	report.addResult(result)
}

// expectRejected checks a driver call failed with a result that is not
// successful and an error normalizing to want.
func expectRejected(res pump.EnactResult, err error, want error, vendorID string) (bool, string) {
	if err == nil {
		return false, fmt.Sprintf("expected error, got result %s", res)
	}
	if res.Success() || res.Enacted() {
		return false, fmt.Sprintf("failed call returned successful result %s", res)
	}
	normalized := pump.NormalizeDriverErrorWithVendor(err, nil, vendorID)
	if !errors.Is(normalized, want) {
		return false, fmt.Sprintf("expected %v, got %v", want, normalized)
	}
	return true, ""
}

func (r *ConformanceReport) addResult(result ConformanceResult) {
	r.TotalTests++
	if result.Passed {
		r.PassedTests++
	} else {
		r.FailedTests++
		r.OverallPassed = false
	}
	r.Results = append(r.Results, result)
}

func printConformanceReport(t *testing.T, report *ConformanceReport) {
	t.Logf("\n%s", strings.Repeat("=", 80))
	t.Logf("DRIVER CONFORMANCE REPORT")
	t.Logf("%s", strings.Repeat("=", 80))
	t.Logf("Driver: %s", report.DriverName)
	t.Logf("Total Tests: %d", report.TotalTests)
	t.Logf("Passed: %d", report.PassedTests)
	t.Logf("Failed: %d", report.FailedTests)
	t.Logf("Overall: %s", map[bool]string{true: "PASS", false: "FAIL"}[report.OverallPassed])
	t.Logf("Duration: %v", report.Duration)
	t.Logf("%s", strings.Repeat("-", 80))

	t.Logf("%-30s %-8s %-12s %-s", "TEST NAME", "RESULT", "DURATION", "DETAILS")
	t.Logf("%s", strings.Repeat("-", 80))

	for _, result := range report.Results {
		status := "PASS"
		if !result.Passed {
			status = "FAIL"
		}

		details := result.Error
		if details == "" && len(result.Details) > 0 {
			var parts []string
			for k, v := range result.Details {
				parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			}
			details = strings.Join(parts, ", ")
		}

		t.Logf("%-30s %-8s %-12s %-s", result.TestName, status, result.Duration.String(), details)
	}

	t.Logf("%s", strings.Repeat("=", 80))
}
