package workflows

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"taskrelay/internal/domain"
	"taskrelay/internal/notify"
)

const DefaultDateLayout = "1/2/2006"

var assignmentTmpl = template.Must(template.New("assignment").Parse(`Hi {{.Name}},<br/><br/>
You have been assigned the task "<strong>{{.Title}}</strong>" in the project "<strong>{{.Project}}</strong>".<br/><br/>
{{if .DueDate}}Due date: {{.DueDate}}<br/><br/>
{{end}}<a href="{{.Origin}}">View Task</a><br/><br/>
Best regards,<br/>
Project Management Team`))

var reminderTmpl = template.Must(template.New("reminder").Parse(`Hi {{.Name}},<br/><br/>
This is a friendly reminder that the task "<strong>{{.Title}}</strong>" in the project "<strong>{{.Project}}</strong>" {{if .Overdue}}was due on {{.DueDate}}{{else}}is due today ({{.DueDate}}){{end}}.<br/><br/>
Please make sure to complete it on time.<br/><br/>
<a href="{{.Origin}}">View Task</a><br/><br/>
Best regards,<br/>
Project Management Team`))

type emailData struct {
	Name    string
	Title   string
	Project string
	DueDate string
	Overdue bool
	Origin  string
}

// Emails renders the task notification emails.
type Emails struct {
	Location   *time.Location
	DateLayout string
}

func (e Emails) location() *time.Location {
	if e.Location == nil {
		return time.UTC
	}
	return e.Location
}

func (e Emails) formatDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	layout := e.DateLayout
	if layout == "" {
		layout = DefaultDateLayout
	}
	return t.In(e.location()).Format(layout)
}

// dayBefore reports whether a falls on an earlier calendar day than b in the
// configured zone.
func (e Emails) dayBefore(a, b time.Time) bool {
	loc := e.location()
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC).Before(time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC))
}

func (e Emails) data(d domain.TaskDetail, origin string) (emailData, error) {
	if d.Assignee == nil {
		return emailData{}, fmt.Errorf("task %s has no assignee", d.Task.ID)
	}
	return emailData{
		Name:    d.Assignee.Name,
		Title:   d.Task.Title,
		Project: d.Project.Name,
		DueDate: e.formatDate(d.Task.DueDate),
		Origin:  origin,
	}, nil
}

func (e Emails) render(tmpl *template.Template, to, subject string, data emailData) (notify.Message, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return notify.Message{}, fmt.Errorf("render %s email: %w", tmpl.Name(), err)
	}
	return notify.Message{To: to, Subject: subject, Body: buf.String()}, nil
}

func (e Emails) Assignment(d domain.TaskDetail, origin string) (notify.Message, error) {
	data, err := e.data(d, origin)
	if err != nil {
		return notify.Message{}, err
	}
	return e.render(assignmentTmpl, d.Assignee.Email, "New Task Assignment in "+d.Project.Name, data)
}

// Reminder renders the due-date reminder. A due date on a day before asOf is
// worded as overdue.
func (e Emails) Reminder(d domain.TaskDetail, origin string, asOf time.Time) (notify.Message, error) {
	data, err := e.data(d, origin)
	if err != nil {
		return notify.Message{}, err
	}
	if due := d.Task.DueDate; due != nil && !due.IsZero() {
		data.Overdue = e.dayBefore(*due, asOf)
	}
	return e.render(reminderTmpl, d.Assignee.Email, "Reminder for "+d.Project.Name, data)
}
