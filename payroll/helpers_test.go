package payroll_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const civilServant payroll.EstablishmentTypeCode = "civil-servant"

func amt(s string) decimal.Decimal { return payroll.MustAmount(s) }

func entry(s string) payroll.ComponentEntry { return payroll.Entry(amt(s)) }

func def(code string, cat payroll.Category, order int) payroll.ComponentDefinition {
	return payroll.ComponentDefinition{
		Code:         payroll.ComponentCode(code),
		DisplayName:  code,
		Category:     cat,
		IsActive:     true,
		DisplayOrder: order,
	}
}

func newTestRegistry(t *testing.T) *payroll.Registry {
	t.Helper()
	reg, err := payroll.NewRegistry(
		def("position_salary", payroll.CategoryEarning, 10),
		def("grade_salary", payroll.CategoryEarning, 20),
		def("basic_performance_bonus", payroll.CategoryEarning, 30),
		def("one_time_deduction", payroll.CategoryEarning, 40),
		def("back_pay_total", payroll.CategoryEarning, 50),
		def("pension", payroll.CategoryPersonalDeduction, 100),
		def("medical", payroll.CategoryPersonalDeduction, 110),
		def("tax", payroll.CategoryPersonalDeduction, 120),
		def("other_deductions", payroll.CategoryPersonalDeduction, 130),
		def("employer_pension", payroll.CategoryEmployerDeduction, 200),
		def("pension_base", payroll.CategoryCalculationBase, 300),
		def("pension_rate", payroll.CategoryCalculationRate, 310),
		def("contribution_base", payroll.CategoryCalculationResult, 320),
		def("annuity_enrolled", payroll.CategoryOther, 400),
	)
	require.NoError(t, err)
	return reg
}

func civilServantRule() payroll.FormulaRule {
	return payroll.FormulaRule{
		EstablishmentType:           civilServant,
		SubtotalComponents:          []payroll.ComponentCode{"position_salary", "grade_salary", "basic_performance_bonus"},
		PersonalDeductionComponents: []payroll.ComponentCode{"pension", "medical", "tax"},
		GrossTopupComponent:         "one_time_deduction",
		OtherDeductionsComponent:    payroll.DefaultOtherDeductionsComponent,
	}
}

// scenarioRecord is the worked civil-servant example: subtotal 5000.00,
// top-up -150.00, personal deductions 670.50.
func scenarioRecord() payroll.PayRecord {
	return payroll.PayRecord{
		EmployeeID:        "emp-1",
		PayPeriodID:       "2025-03",
		EstablishmentType: civilServant,
		Earnings: payroll.ComponentMap{
			"position_salary":         entry("3000.00"),
			"grade_salary":            entry("1200.00"),
			"basic_performance_bonus": entry("800.00"),
			"one_time_deduction":      entry("-150.00"),
		},
		Deductions: payroll.ComponentMap{
			"pension": entry("400.00"),
			"medical": entry("150.00"),
			"tax":     entry("120.50"),
		},
		CalculationInputs: payroll.ComponentMap{},
		Version:           1,
	}
}

func assertAmount(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	require.Truef(t, amt(want).Equal(got), "want %s, got %s %v", want, got.StringFixed(2), msgAndArgs)
}
