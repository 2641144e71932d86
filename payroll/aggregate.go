/*
aggregate.go - Aggregation Engine

PURPOSE:
  Compute turns one pay record plus its formula rule into the standard
  totals. It is the only place those totals are derived; PayRecord's cached
  GrossPay/TotalDeductions/NetPay are always a copy of its output.

ALGORITHM:
  1. Subtotal      = Σ rule.SubtotalComponents            (earnings)
  2. GrossPayable  = Subtotal + rule.GrossTopupComponent  (earnings)
  3. Personal      = Σ rule.PersonalDeductionComponents   (deductions),
                     skipping the other-deductions component and any
                     EMPLOYER_DEDUCTION code, even if a rule lists one
  4. Other         = rule.OtherDeductionsComponent        (deductions)
  5. NetPay        = GrossPayable - Personal - Other

  Every summand is rounded to two places first; the sums are exact.
  Employer deductions are totalled for reporting and never touch NetPay.

TOTALITY:
  Missing components read as zero. Negative amounts pass through. The only
  error is a nil record.

PURITY:
  Compute never mutates its inputs and returns identical results for
  identical inputs.
*/
package payroll

import (
	"errors"

	"github.com/shopspring/decimal"
)

// AggregateResult holds every total derived from one pay record.
type AggregateResult struct {
	Subtotal               decimal.Decimal
	GrossPayable           decimal.Decimal
	PersonalDeductionTotal decimal.Decimal
	OtherDeductions        decimal.Decimal

	// TotalDeductions = PersonalDeductionTotal + OtherDeductions.
	TotalDeductions decimal.Decimal
	NetPay          decimal.Decimal

	// EmployerDeductionTotal is employer cost. Not part of TotalDeductions or NetPay.
	EmployerDeductionTotal decimal.Decimal

	// Fallback is true when the rule used was the zero rule.
	Fallback bool
}

// Equal compares all totals by value.
func (a AggregateResult) Equal(b AggregateResult) bool {
	return a.Subtotal.Equal(b.Subtotal) &&
		a.GrossPayable.Equal(b.GrossPayable) &&
		a.PersonalDeductionTotal.Equal(b.PersonalDeductionTotal) &&
		a.OtherDeductions.Equal(b.OtherDeductions) &&
		a.TotalDeductions.Equal(b.TotalDeductions) &&
		a.NetPay.Equal(b.NetPay) &&
		a.EmployerDeductionTotal.Equal(b.EmployerDeductionTotal) &&
		a.Fallback == b.Fallback
}

var errNilRecord = errors.New("nil pay record")

// Compute aggregates rec according to rule. catalog resolves deduction
// categories for the employer total; a nil catalog yields a zero employer total.
func Compute(rec *PayRecord, rule FormulaRule, catalog Catalog) (AggregateResult, error) {
	if rec == nil {
		return AggregateResult{}, errNilRecord
	}

	other := rule.OtherDeductionsComponent
	if other == "" {
		other = DefaultOtherDeductionsComponent
	}

	var res AggregateResult
	res.Fallback = rule.IsFallback()

	res.Subtotal = sumOf(rec.Earnings, rule.SubtotalComponents, nil)

	res.GrossPayable = res.Subtotal
	if rule.GrossTopupComponent != "" {
		res.GrossPayable = res.GrossPayable.Add(rec.Earnings.Amount(rule.GrossTopupComponent))
	}

	res.PersonalDeductionTotal = sumOf(rec.Deductions, rule.PersonalDeductionComponents, func(code ComponentCode) bool {
		return code == other || isEmployer(catalog, code)
	})
	res.OtherDeductions = rec.Deductions.Amount(other)

	res.TotalDeductions = res.PersonalDeductionTotal.Add(res.OtherDeductions)
	res.NetPay = res.GrossPayable.Sub(res.PersonalDeductionTotal).Sub(res.OtherDeductions)

	res.EmployerDeductionTotal = employerTotal(rec.Deductions, catalog)
	return res, nil
}

// sumOf adds the rounded amounts of codes in m, leaving out codes skip reports.
func sumOf(m ComponentMap, codes []ComponentCode, skip func(ComponentCode) bool) decimal.Decimal {
	total := decimal.Zero
	for _, code := range codes {
		if skip != nil && skip(code) {
			continue
		}
		total = total.Add(m.Amount(code))
	}
	return total
}

func employerTotal(deductions ComponentMap, catalog Catalog) decimal.Decimal {
	total := decimal.Zero
	for _, code := range deductions.Codes() {
		if isEmployer(catalog, code) {
			total = total.Add(deductions.Amount(code))
		}
	}
	return total
}

func isEmployer(catalog Catalog, code ComponentCode) bool {
	if catalog == nil {
		return false
	}
	def, ok := catalog.Lookup(code)
	return ok && def.Category == CategoryEmployerDeduction
}
