package laboratory

import (
	"strconv"
	"strings"
	"time"

	"github.com/ehr/lis/internal/platform/fhir"
)

func (r *TestResult) fhirStatus() string {
	switch r.Status {
	case ResultApproved:
		return "final"
	case ResultEntered:
		return "preliminary"
	}
	return "registered"
}

// interpretationCode maps a classification to its v3 interpretation code.
// Critical values are split into LL and HH by the side they fall on.
func interpretationCode(p TestParameter) string {
	switch p.Classification {
	case Normal:
		return "N"
	case Low:
		return "L"
	case High:
		return "H"
	case Critical:
		if v, ok := parseNumeric(p.Value); ok && p.CriticalLow != nil && v.LessThan(*p.CriticalLow) {
			return "LL"
		}
		return "HH"
	}
	return ""
}

func (p TestParameter) toFHIR(id, status, patientRef string, issued *time.Time) map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Observation",
		"id":           id,
		"status":       status,
		"category": []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: fhir.SystemObservationCategory, Code: "laboratory", Display: "Laboratory"}},
		}},
		"code": fhir.CodeableConcept{
			Coding: []fhir.Coding{{Code: p.Code, Display: p.Name}},
			Text:   p.Name,
		},
		"subject": fhir.Reference{Reference: fhir.FormatReference("Patient", patientRef)},
	}
	if issued != nil {
		result["issued"] = issued.Format(time.RFC3339)
	}
	if v, ok := parseNumeric(p.Value); ok && p.ValueType == ValueNumeric {
		result["valueQuantity"] = fhir.Quantity{Value: fhir.JSONNumber(v.String()), Unit: p.Unit, System: fhir.SystemUCUM}
	} else if p.Value != "" {
		result["valueString"] = p.Value
	}
	if p.NormalMin != nil || p.NormalMax != nil {
		rr := fhir.ReferenceRange{}
		if p.NormalMin != nil {
			rr.Low = &fhir.Quantity{Value: fhir.JSONNumber(p.NormalMin.String()), Unit: p.Unit}
		}
		if p.NormalMax != nil {
			rr.High = &fhir.Quantity{Value: fhir.JSONNumber(p.NormalMax.String()), Unit: p.Unit}
		}
		result["referenceRange"] = []fhir.ReferenceRange{rr}
	} else if len(p.AllowedValues) > 0 {
		result["referenceRange"] = []fhir.ReferenceRange{{Text: strings.Join(p.AllowedValues, ", ")}}
	}
	if code := interpretationCode(p); code != "" {
		result["interpretation"] = []fhir.CodeableConcept{fhir.Interpretation(code)}
	}
	return result
}

// ToFHIR renders the result as a DiagnosticReport with its parameters as
// contained Observations. sample may be nil.
func (r *TestResult) ToFHIR(req *TestRequest, sample *Sample) map[string]interface{} {
	status := r.fhirStatus()
	if req.Status == StatusVoided {
		status = "cancelled"
	}
	issued := r.ApprovedAt
	if issued == nil {
		issued = r.EnteredAt
	}

	contained := make([]map[string]interface{}, 0, len(r.Parameters))
	refs := make([]fhir.Reference, 0, len(r.Parameters))
	for _, p := range r.Parameters {
		id := fhir.ContainedID("obs-", p.Key())
		contained = append(contained, p.toFHIR(id, status, req.PatientRef, issued))
		refs = append(refs, fhir.ContainedReference(id))
	}

	result := map[string]interface{}{
		"resourceType": "DiagnosticReport",
		"id":           r.ID.String(),
		"meta":         fhir.Meta{VersionID: strconv.Itoa(r.Version), LastUpdated: r.UpdatedAt},
		"status":       status,
		"category": []fhir.CodeableConcept{{
			Coding: []fhir.Coding{{System: fhir.SystemDiagnosticService, Code: "LAB", Display: "Laboratory"}},
		}},
		"code": fhir.CodeableConcept{
			Coding: []fhir.Coding{{Code: strings.Join(req.Tests, "+")}},
			Text:   strings.Join(req.Tests, ", "),
		},
		"subject":    fhir.Reference{Reference: fhir.FormatReference("Patient", req.PatientRef)},
		"basedOn":    []fhir.Reference{{Reference: fhir.FormatReference("ServiceRequest", req.ID.String())}},
		"identifier": []fhir.Identifier{{Use: "official", Value: r.ID.String()}},
		"contained":  contained,
		"result":     refs,
	}
	if issued != nil {
		result["issued"] = issued.Format(time.RFC3339)
	}
	if r.EnteredBy != "" {
		result["performer"] = []fhir.Reference{{Reference: fhir.FormatReference("Practitioner", r.EnteredBy)}}
	}
	if r.ApprovedBy != "" {
		result["resultsInterpreter"] = []fhir.Reference{{Reference: fhir.FormatReference("Practitioner", r.ApprovedBy)}}
	}
	if sample != nil {
		result["specimen"] = []fhir.Reference{{
			Reference: fhir.FormatReference("Specimen", sample.ID.String()),
			Display:   sample.Barcode,
		}}
		result["effectiveDateTime"] = sample.CollectedAt.Format(time.RFC3339)
	}
	if r.Notes != "" {
		result["conclusion"] = r.Notes
	}
	if r.Severity != SeverityNormal {
		result["conclusionCode"] = []fhir.CodeableConcept{{Text: r.Severity.String()}}
	}
	return result
}
