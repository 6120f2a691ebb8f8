// Package joiner turns the roster and batch-link tables plus template configs
// into validated work items.
package joiner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/yajmaan/sevaflow/internal/model"
	"github.com/yajmaan/sevaflow/internal/resolver"
)

const (
	TableRoster    = "roster"
	TableLinks     = "links"
	TableTemplates = "templates"
)

// Required columns per table, in normalized form
var (
	RosterColumns = []string{"name", "country_code", "phone", "batch_id", "temple_id"}
	LinkColumns   = []string{"batch_id", "canva_link"}
)

var (
	phoneDigitsRe = regexp.MustCompile(`^[0-9]{6,15}$`)
	countryCodeRe = regexp.MustCompile(`^\+?[0-9]{1,4}$`)
	phoneStripper = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "", "+", "")
)

var validate = validator.New()

type linkRow struct {
	BatchID string `validate:"required"`
	URL     string `validate:"required,http_url"`
}

// SchemaError aborts a whole batch. It lists every schema problem found.
type SchemaError struct {
	Problems []model.ValidationError
}

func (e *SchemaError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = fmt.Sprintf("%s: %s", p.Table, p.Message)
	}
	return "schema validation failed: " + strings.Join(msgs, "; ")
}

// Result is the output of a successful join
type Result struct {
	Items    []model.WorkItem
	Errors   []model.ValidationError
	Warnings []model.ValidationError
	Excluded int
}

// Summary describes the join for the parse step
func (r *Result) Summary() string {
	return fmt.Sprintf("%d work items, %d rows excluded", len(r.Items), r.Excluded)
}

// Join validates the inputs and produces one work item per usable roster row.
// Missing columns or broken template configs fail the whole join with a
// *SchemaError. Bad rows are excluded and reported in Result.Errors.
func Join(roster, links *Table, templates []model.TemplateConfig) (*Result, error) {
	var problems []model.ValidationError
	problems = append(problems, missingColumns(TableRoster, roster, RosterColumns)...)
	problems = append(problems, missingColumns(TableLinks, links, LinkColumns)...)

	templatesByTemple, templateProblems := indexTemplates(templates)
	problems = append(problems, templateProblems...)

	if len(problems) > 0 {
		return nil, &SchemaError{Problems: problems}
	}

	result := &Result{}
	result.Warnings = placeholderWarnings(templates)

	linksByBatch := make(map[string]model.BatchLink)
	for _, row := range links.Rows {
		link, verr := parseLink(row)
		if verr != nil {
			result.Errors = append(result.Errors, *verr)
			continue
		}
		if _, dup := linksByBatch[link.BatchID]; dup {
			result.Errors = append(result.Errors, model.ValidationError{
				Table:    TableLinks,
				Line:     row.Line,
				Field:    "batch_id",
				Code:     model.ValidationDuplicateBatchLink,
				Message:  fmt.Sprintf("batch %q already has a link; keeping the first", link.BatchID),
				Identity: link.BatchID,
			})
			continue
		}
		linksByBatch[link.BatchID] = link
	}

	seen := make(map[string]int)
	for _, row := range roster.Rows {
		rec, verr := parseRecord(row)
		if verr != nil {
			result.Errors = append(result.Errors, *verr)
			result.Excluded++
			continue
		}

		identity := rec.Identity()
		rowErr := func(field, code, msg string) {
			result.Errors = append(result.Errors, model.ValidationError{
				Table: TableRoster, Line: row.Line, Field: field, Code: code, Message: msg, Identity: identity,
			})
			result.Excluded++
		}

		if first, dup := seen[identity]; dup {
			rowErr("phone", model.ValidationDuplicateRecord, fmt.Sprintf("duplicate of line %d", first))
			continue
		}
		link, ok := linksByBatch[rec.BatchID]
		if !ok {
			rowErr("batch_id", model.ValidationUnknownBatch, fmt.Sprintf("batch %q has no video link", rec.BatchID))
			continue
		}
		tmpl, ok := templatesByTemple[rec.TempleID]
		if !ok {
			rowErr("temple_id", model.ValidationUnknownTemple, fmt.Sprintf("temple %q has no template configured", rec.TempleID))
			continue
		}
		seen[identity] = row.Line

		result.Items = append(result.Items, model.WorkItem{
			ID:       WorkItemID(rec),
			Seq:      len(result.Items),
			Record:   rec,
			Link:     link,
			Template: tmpl,
		})
	}

	return result, nil
}

// WorkItemID derives a stable ID from the record identity, so a re-run of the
// same batch addresses the same hosted object
func WorkItemID(rec model.UserRecord) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("sevaflow:"+rec.Identity())).String()
}

func missingColumns(table string, t *Table, required []string) []model.ValidationError {
	if t == nil {
		return []model.ValidationError{{
			Table: table, Code: model.ValidationMissingColumn, Message: "table is missing",
		}}
	}
	var out []model.ValidationError
	for _, col := range required {
		if !t.HasColumn(col) {
			out = append(out, model.ValidationError{
				Table:   table,
				Field:   col,
				Code:    model.ValidationMissingColumn,
				Message: fmt.Sprintf("required column %q is missing", col),
			})
		}
	}
	return out
}

func indexTemplates(templates []model.TemplateConfig) (map[string]*model.TemplateConfig, []model.ValidationError) {
	if len(templates) == 0 {
		return nil, []model.ValidationError{{
			Table: TableTemplates, Code: model.ValidationInvalidTemplate, Message: "at least one template is required",
		}}
	}

	var problems []model.ValidationError
	byTemple := make(map[string]*model.TemplateConfig, len(templates))
	for i := range templates {
		tmpl := templates[i]
		tmpl.TempleID = strings.TrimSpace(tmpl.TempleID)
		if err := validate.Struct(tmpl); err != nil {
			problems = append(problems, model.ValidationError{
				Table:    TableTemplates,
				Line:     i + 1,
				Code:     model.ValidationInvalidTemplate,
				Message:  describeValidation(err),
				Identity: tmpl.TempleID,
			})
			continue
		}
		if _, dup := byTemple[tmpl.TempleID]; dup {
			problems = append(problems, model.ValidationError{
				Table:    TableTemplates,
				Line:     i + 1,
				Field:    "temple_id",
				Code:     model.ValidationDuplicateTemplate,
				Message:  fmt.Sprintf("temple %q is configured more than once", tmpl.TempleID),
				Identity: tmpl.TempleID,
			})
			continue
		}
		byTemple[tmpl.TempleID] = &tmpl
	}
	return byTemple, problems
}

func placeholderWarnings(templates []model.TemplateConfig) []model.ValidationError {
	var out []model.ValidationError
	for i, tmpl := range templates {
		for _, f := range []struct{ name, text string }{
			{"header", tmpl.Header},
			{"description", tmpl.Description},
		} {
			for _, key := range resolver.Placeholders(f.text) {
				if resolver.Known(key) {
					continue
				}
				out = append(out, model.ValidationError{
					Table:    TableTemplates,
					Line:     i + 1,
					Field:    f.name,
					Code:     model.ValidationUnknownPlaceholder,
					Message:  fmt.Sprintf("placeholder {{%s}} in %s is not a recipient field and will be sent as written", key, f.name),
					Identity: tmpl.TempleID,
				})
			}
		}
	}
	return out
}

func parseLink(row Row) (model.BatchLink, *model.ValidationError) {
	lr := linkRow{BatchID: row.Get("batch_id"), URL: row.Get("canva_link")}
	if err := validate.Struct(lr); err != nil {
		verr := &model.ValidationError{Table: TableLinks, Line: row.Line, Identity: lr.BatchID}
		fe := err.(validator.ValidationErrors)[0]
		switch {
		case fe.Tag() == "required" && fe.Field() == "BatchID":
			verr.Field, verr.Code, verr.Message = "batch_id", model.ValidationMissingField, "batch_id is empty"
		case fe.Tag() == "required":
			verr.Field, verr.Code, verr.Message = "canva_link", model.ValidationMissingField, "canva_link is empty"
		default:
			verr.Field, verr.Code, verr.Message = "canva_link", model.ValidationMalformedLink,
				fmt.Sprintf("%q is not an http(s) URL", lr.URL)
		}
		return model.BatchLink{}, verr
	}
	return model.BatchLink{BatchID: lr.BatchID, SourceVideoURL: lr.URL}, nil
}

func parseRecord(row Row) (model.UserRecord, *model.ValidationError) {
	rec := model.UserRecord{
		Name:        row.Get("name"),
		CountryCode: row.Get("country_code"),
		PhoneNumber: phoneStripper.Replace(row.Get("phone")),
		BatchID:     row.Get("batch_id"),
		TempleID:    row.Get("temple_id"),
	}
	fail := func(field, code, msg string) (model.UserRecord, *model.ValidationError) {
		return model.UserRecord{}, &model.ValidationError{
			Table: TableRoster, Line: row.Line, Field: field, Code: code, Message: msg, Identity: rec.Identity(),
		}
	}

	for _, f := range []struct{ name, value string }{
		{"name", rec.Name},
		{"country_code", rec.CountryCode},
		{"phone", rec.PhoneNumber},
		{"batch_id", rec.BatchID},
		{"temple_id", rec.TempleID},
	} {
		if f.value == "" {
			return fail(f.name, model.ValidationMissingField, f.name+" is empty")
		}
	}
	if !countryCodeRe.MatchString(rec.CountryCode) {
		return fail("country_code", model.ValidationMalformedCountryCode,
			fmt.Sprintf("%q is not a 1-4 digit country code", rec.CountryCode))
	}
	rec.CountryCode = strings.TrimPrefix(rec.CountryCode, "+")
	if international(row.Get("phone")) {
		national, ok := strings.CutPrefix(strings.TrimPrefix(rec.PhoneNumber, "00"), rec.CountryCode)
		if !ok {
			return fail("phone", model.ValidationMalformedPhone,
				fmt.Sprintf("%q does not start with country code +%s", row.Get("phone"), rec.CountryCode))
		}
		rec.PhoneNumber = national
	}
	if !phoneDigitsRe.MatchString(rec.PhoneNumber) {
		return fail("phone", model.ValidationMalformedPhone,
			fmt.Sprintf("%q is not a 6-15 digit phone number", row.Get("phone")))
	}
	return rec, nil
}

// international reports whether a phone is written with its country code,
// as in "+91 98765 43210" or "0091 98765 43210"
func international(phone string) bool {
	phone = strings.TrimSpace(phone)
	return strings.HasPrefix(phone, "+") || strings.HasPrefix(phone, "00")
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s is %s", fe.Field(), fe.Tag())
	}
	return strings.Join(msgs, ", ")
}
