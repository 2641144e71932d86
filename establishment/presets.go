/*
presets.go - Standard establishment types, component catalog and formulas

PURPOSE:
  Ready-to-use configuration for the four common employment relationships.
  Deployments with their own catalog load a file through package factory
  instead; these presets are the default and the fixture for tests.

ESTABLISHMENT TYPES:
  civil-servant:        Position + grade salary, tops up with one-time adjustment
  quasi-civil-servant:  Same subtotal, tops up with back-pay total
  public-institution:   Post allowance instead of living allowance, back-pay top-up
  contract-staff:       Contract salary, one-time adjustment top-up, no annuity

TOP-UP ASYMMETRY:
  Which top-up a type uses is historical, not derived. Keep it as data here
  rather than unifying it.

CALCULATIONS:
  Social insurance and housing fund contributions are base × rate%, read
  from calculation inputs. Occupational annuity applies only to enrolled staff of
  the budget-funded types.

EXAMPLE:
  cfg, err := establishment.DefaultConfig()
  rule, _ := cfg.Formulas.Lookup(establishment.CivilServant)

SEE ALSO:
  - factory/config.go: File-based configuration
  - payroll/formula.go: FormulaRule / CalculationRule
*/
package establishment

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// ESTABLISHMENT TYPES
// =============================================================================

const (
	CivilServant      payroll.EstablishmentTypeCode = "civil-servant"
	QuasiCivilServant payroll.EstablishmentTypeCode = "quasi-civil-servant"
	PublicInstitution payroll.EstablishmentTypeCode = "public-institution"
	ContractStaff     payroll.EstablishmentTypeCode = "contract-staff"
)

func Types() []payroll.EstablishmentType {
	return []payroll.EstablishmentType{
		{Code: CivilServant, DisplayName: "Civil servant"},
		{Code: QuasiCivilServant, DisplayName: "Quasi-civil servant"},
		{Code: PublicInstitution, DisplayName: "Public institution staff"},
		{Code: ContractStaff, DisplayName: "Contract staff"},
	}
}

// =============================================================================
// COMPONENT CATALOG
// =============================================================================

const (
	PositionSalary         payroll.ComponentCode = "position_salary"
	GradeSalary            payroll.ComponentCode = "grade_salary"
	BasicPerformanceBonus  payroll.ComponentCode = "basic_performance_bonus"
	RewardPerformanceBonus payroll.ComponentCode = "reward_performance_bonus"
	LivingAllowance        payroll.ComponentCode = "living_allowance"
	PostAllowance          payroll.ComponentCode = "post_allowance"
	ContractSalary         payroll.ComponentCode = "contract_salary"
	OneTimeDeduction       payroll.ComponentCode = "one_time_deduction"
	BackPayTotal           payroll.ComponentCode = "back_pay_total"

	Pension             payroll.ComponentCode = "pension"
	Medical             payroll.ComponentCode = "medical"
	Unemployment        payroll.ComponentCode = "unemployment"
	HousingFund         payroll.ComponentCode = "housing_fund"
	OccupationalAnnuity payroll.ComponentCode = "occupational_annuity"
	Tax                 payroll.ComponentCode = "tax"
	OtherDeductions     payroll.ComponentCode = payroll.DefaultOtherDeductionsComponent

	EmployerPension      payroll.ComponentCode = "employer_pension"
	EmployerMedical      payroll.ComponentCode = "employer_medical"
	EmployerUnemployment payroll.ComponentCode = "employer_unemployment"
	EmployerInjury       payroll.ComponentCode = "employer_injury"
	EmployerHousingFund  payroll.ComponentCode = "employer_housing_fund"

	PensionBase     payroll.ComponentCode = "pension_base"
	MedicalBase     payroll.ComponentCode = "medical_base"
	HousingFundBase payroll.ComponentCode = "housing_fund_base"

	PensionRate              payroll.ComponentCode = "pension_rate"
	MedicalRate              payroll.ComponentCode = "medical_rate"
	UnemploymentRate         payroll.ComponentCode = "unemployment_rate"
	HousingFundRate          payroll.ComponentCode = "housing_fund_rate"
	EmployerPensionRate      payroll.ComponentCode = "employer_pension_rate"
	EmployerMedicalRate      payroll.ComponentCode = "employer_medical_rate"
	EmployerUnemploymentRate payroll.ComponentCode = "employer_unemployment_rate"
	EmployerInjuryRate       payroll.ComponentCode = "employer_injury_rate"

	ContributionBase payroll.ComponentCode = "contribution_base"

	AnnuityEnrolled payroll.ComponentCode = "annuity_enrolled"
)

// Components returns the standard catalog, all active.
func Components() []payroll.ComponentDefinition {
	def := func(code payroll.ComponentCode, name string, cat payroll.Category, order int) payroll.ComponentDefinition {
		return payroll.ComponentDefinition{Code: code, DisplayName: name, Category: cat, IsActive: true, DisplayOrder: order}
	}
	return []payroll.ComponentDefinition{
		def(PositionSalary, "Position salary", payroll.CategoryEarning, 10),
		def(GradeSalary, "Grade salary", payroll.CategoryEarning, 20),
		def(BasicPerformanceBonus, "Basic performance bonus", payroll.CategoryEarning, 30),
		def(RewardPerformanceBonus, "Reward performance bonus", payroll.CategoryEarning, 40),
		def(LivingAllowance, "Living allowance", payroll.CategoryEarning, 50),
		def(PostAllowance, "Post allowance", payroll.CategoryEarning, 60),
		def(ContractSalary, "Contract salary", payroll.CategoryEarning, 70),
		def(OneTimeDeduction, "One-time adjustment", payroll.CategoryEarning, 80),
		def(BackPayTotal, "Back-pay total", payroll.CategoryEarning, 90),

		def(Pension, "Pension insurance", payroll.CategoryPersonalDeduction, 100),
		def(Medical, "Medical insurance", payroll.CategoryPersonalDeduction, 110),
		def(Unemployment, "Unemployment insurance", payroll.CategoryPersonalDeduction, 120),
		def(HousingFund, "Housing fund", payroll.CategoryPersonalDeduction, 130),
		def(OccupationalAnnuity, "Occupational annuity", payroll.CategoryPersonalDeduction, 140),
		def(Tax, "Individual income tax", payroll.CategoryPersonalDeduction, 150),
		def(OtherDeductions, "Other deductions", payroll.CategoryPersonalDeduction, 190),

		def(EmployerPension, "Employer pension", payroll.CategoryEmployerDeduction, 200),
		def(EmployerMedical, "Employer medical", payroll.CategoryEmployerDeduction, 210),
		def(EmployerUnemployment, "Employer unemployment", payroll.CategoryEmployerDeduction, 220),
		def(EmployerInjury, "Employer work injury", payroll.CategoryEmployerDeduction, 230),
		def(EmployerHousingFund, "Employer housing fund", payroll.CategoryEmployerDeduction, 240),

		def(PensionBase, "Pension base", payroll.CategoryCalculationBase, 300),
		def(MedicalBase, "Medical base", payroll.CategoryCalculationBase, 310),
		def(HousingFundBase, "Housing fund base", payroll.CategoryCalculationBase, 320),

		def(PensionRate, "Pension rate", payroll.CategoryCalculationRate, 400),
		def(MedicalRate, "Medical rate", payroll.CategoryCalculationRate, 410),
		def(UnemploymentRate, "Unemployment rate", payroll.CategoryCalculationRate, 415),
		def(HousingFundRate, "Housing fund rate", payroll.CategoryCalculationRate, 420),
		def(EmployerPensionRate, "Employer pension rate", payroll.CategoryCalculationRate, 430),
		def(EmployerMedicalRate, "Employer medical rate", payroll.CategoryCalculationRate, 440),
		def(EmployerUnemploymentRate, "Employer unemployment rate", payroll.CategoryCalculationRate, 445),
		def(EmployerInjuryRate, "Employer injury rate", payroll.CategoryCalculationRate, 450),

		def(ContributionBase, "Contribution base", payroll.CategoryCalculationResult, 500),

		def(AnnuityEnrolled, "Enrolled in occupational annuity", payroll.CategoryOther, 600),
	}
}

// =============================================================================
// FORMULA RULES
// =============================================================================

var budgetedDeductions = []payroll.ComponentCode{Pension, Medical, Unemployment, HousingFund, OccupationalAnnuity, Tax}

func Formulas() []payroll.FormulaRule {
	return []payroll.FormulaRule{
		{
			EstablishmentType:           CivilServant,
			SubtotalComponents:          []payroll.ComponentCode{PositionSalary, GradeSalary, BasicPerformanceBonus, RewardPerformanceBonus, LivingAllowance},
			PersonalDeductionComponents: budgetedDeductions,
			GrossTopupComponent:         OneTimeDeduction,
		},
		{
			EstablishmentType:           QuasiCivilServant,
			SubtotalComponents:          []payroll.ComponentCode{PositionSalary, GradeSalary, BasicPerformanceBonus, RewardPerformanceBonus, LivingAllowance},
			PersonalDeductionComponents: budgetedDeductions,
			GrossTopupComponent:         BackPayTotal,
		},
		{
			EstablishmentType:           PublicInstitution,
			SubtotalComponents:          []payroll.ComponentCode{PositionSalary, GradeSalary, BasicPerformanceBonus, RewardPerformanceBonus, PostAllowance},
			PersonalDeductionComponents: budgetedDeductions,
			GrossTopupComponent:         BackPayTotal,
		},
		{
			EstablishmentType:           ContractStaff,
			SubtotalComponents:          []payroll.ComponentCode{ContractSalary, BasicPerformanceBonus, RewardPerformanceBonus},
			PersonalDeductionComponents: []payroll.ComponentCode{Pension, Medical, Unemployment, HousingFund, Tax},
			GrossTopupComponent:         OneTimeDeduction,
		},
	}
}

// =============================================================================
// CALCULATION RULES
// =============================================================================

// AnnuityRate is the employee share of occupational annuity, in percent.
var AnnuityRate = decimal.RequireFromString("4")

func Calculations() []payroll.CalculationRule {
	rate := func(component, base, rateCode payroll.ComponentCode) payroll.CalculationRule {
		return payroll.CalculationRule{
			Component: component,
			Kind:      payroll.CalcRate,
			Bases:     []payroll.ComponentCode{base},
			Rate:      rateCode,
		}
	}
	annuityRate := AnnuityRate
	return []payroll.CalculationRule{
		{
			Component:          ContributionBase,
			Kind:               payroll.CalcSum,
			Bases:              []payroll.ComponentCode{PositionSalary, GradeSalary},
			EstablishmentTypes: []payroll.EstablishmentTypeCode{CivilServant, QuasiCivilServant, PublicInstitution},
		},
		rate(Pension, PensionBase, PensionRate),
		rate(Medical, MedicalBase, MedicalRate),
		rate(Unemployment, PensionBase, UnemploymentRate),
		rate(HousingFund, HousingFundBase, HousingFundRate),
		{
			Component:          OccupationalAnnuity,
			Kind:               payroll.CalcRate,
			Bases:              []payroll.ComponentCode{PensionBase},
			RateValue:          &annuityRate,
			When:               "has(inputs.annuity_enrolled) && inputs.annuity_enrolled > 0.0",
			EstablishmentTypes: []payroll.EstablishmentTypeCode{CivilServant, QuasiCivilServant, PublicInstitution},
		},
		rate(EmployerPension, PensionBase, EmployerPensionRate),
		rate(EmployerMedical, MedicalBase, EmployerMedicalRate),
		rate(EmployerUnemployment, PensionBase, EmployerUnemploymentRate),
		rate(EmployerInjury, PensionBase, EmployerInjuryRate),
		rate(EmployerHousingFund, HousingFundBase, HousingFundRate),
	}
}

// =============================================================================
// DEFAULT CONFIG
// =============================================================================

// DefaultConfig assembles a validated Config from the presets. Each call
// returns a new Registry.
func DefaultConfig() (payroll.Config, error) {
	reg, err := payroll.NewRegistry(Components()...)
	if err != nil {
		return payroll.Config{}, err
	}
	table, err := payroll.NewFormulaTable(OtherDeductions, Formulas()...)
	if err != nil {
		return payroll.Config{}, err
	}
	cfg := payroll.Config{
		Registry:           reg,
		EstablishmentTypes: Types(),
		Formulas:           table,
		Calculations:       Calculations(),
	}
	if err := cfg.Validate(); err != nil {
		return payroll.Config{}, err
	}
	return cfg, nil
}

// Loader returns a ConfigLoader serving fresh preset configs.
func Loader() payroll.ConfigLoader {
	return payroll.ConfigLoaderFunc(func(context.Context) (payroll.Config, error) {
		return DefaultConfig()
	})
}
