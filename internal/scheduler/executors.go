package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"leadflow/internal/domain"
	"leadflow/internal/messaging"
	"leadflow/internal/store"
)

const (
	// MaxPaymentReminders is how many times a payment reminder reschedules itself.
	MaxPaymentReminders     = 3
	PaymentReminderInterval = 72 * time.Hour
)

// Executor runs one task type. Expected domain failures come back as an
// unsuccessful Result, never as a panic.
type Executor func(ctx context.Context, data map[string]any, userID, companyID string) domain.Result

// CRM is the slice of the application data the executors read and write.
type CRM interface {
	GetLead(ctx context.Context, id string) (domain.Lead, error)
	UpdateLeadHeatScore(ctx context.Context, id string, score int) error
	InsertNotification(ctx context.Context, n domain.Notification) (string, error)
	AppendBrainLog(ctx context.Context, logType, companyID string, payload []byte) (string, error)
}

type scheduleFunc func(ctx context.Context, taskType domain.TaskType, delay time.Duration, data map[string]any, userID, companyID string) (string, error)

type executors struct {
	crm      CRM
	email    messaging.EmailSender
	sms      messaging.SMSSender
	schedule scheduleFunc
	now      func() time.Time
}

func (e *executors) table() map[domain.TaskType]Executor {
	return map[domain.TaskType]Executor{
		domain.TaskLeadFollowup:     e.leadFollowup,
		domain.TaskEmailFollowup:    e.emailFollowup,
		domain.TaskSequenceStep:     e.sequenceStep,
		domain.TaskSMSFollowup:      e.smsFollowup,
		domain.TaskPaymentReminder:  e.paymentReminder,
		domain.TaskAgentFollowup:    e.agentFollowup,
		domain.TaskSalesCall:        e.salesCall,
		domain.TaskRetargetingEmail: e.retargetingEmail,
		domain.TaskRetargetingSMS:   e.retargetingSMS,
		domain.TaskHeatScoreUpdate:  e.heatScoreUpdate,
	}
}

func (e *executors) lead(ctx context.Context, data map[string]any) (domain.Lead, *domain.Result) {
	id := str(data, "leadId")
	if id == "" {
		r := domain.Failed("leadId is required")
		return domain.Lead{}, &r
	}
	l, err := e.crm.GetLead(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		r := domain.Failed("Lead not found")
		return domain.Lead{}, &r
	}
	if err != nil {
		r := domain.Failed("load lead: %v", err)
		return domain.Lead{}, &r
	}
	return l, nil
}

func (e *executors) sendEmail(ctx context.Context, l domain.Lead, subject, body string, meta map[string]string) domain.Result {
	if l.Email == "" {
		return domain.Failed("Lead has no email address")
	}
	id, err := e.email.SendEmail(ctx, messaging.Email{To: l.Email, Subject: subject, Body: body, Context: meta})
	if err != nil {
		return domain.Failed("%s", err.Error())
	}
	return domain.Ok(map[string]any{"messageId": id})
}

func (e *executors) sendSMS(ctx context.Context, l domain.Lead, message string, meta map[string]string) domain.Result {
	if l.Phone == "" {
		return domain.Failed("Lead has no phone number")
	}
	id, err := e.sms.SendSMS(ctx, messaging.SMS{To: l.Phone, Message: message, Context: meta})
	if err != nil {
		return domain.Failed("%s", err.Error())
	}
	return domain.Ok(map[string]any{"messageId": id})
}

func (e *executors) notify(ctx context.Context, kind, title, message, userID, companyID string) domain.Result {
	id, err := e.crm.InsertNotification(ctx, domain.Notification{
		UserID: userID, CompanyID: companyID, Type: kind, Title: title, Message: message,
	})
	if err != nil {
		return domain.Failed("create notification: %v", err)
	}
	return domain.Ok(map[string]any{"notificationId": id})
}

func (e *executors) leadFollowup(ctx context.Context, data map[string]any, userID, companyID string) domain.Result {
	l, fail := e.lead(ctx, data)
	if fail != nil {
		return *fail
	}
	vars := leadVars(l)
	subject := render(strOr(data, "subject", "Following up"), vars)
	body := render(strOr(data, "message", "Hi {{name}}, I wanted to follow up on our recent conversation. Let me know if you have any questions."), vars)
	return e.sendEmail(ctx, l, subject, body, map[string]string{"kind": "lead_followup", "leadId": l.ID})
}

func (e *executors) emailFollowup(ctx context.Context, data map[string]any, userID, companyID string) domain.Result {
	l, fail := e.lead(ctx, data)
	if fail != nil {
		return *fail
	}
	vars := leadVars(l)
	subject := render(strOr(data, "subject", "Following up"), vars)
	body := render(strOr(data, "body", "Hi {{name}}, just following up on my last email."), vars)
	res := e.sendEmail(ctx, l, subject, body, map[string]string{"kind": "email_followup", "leadId": l.ID})
	if !res.Success {
		return res
	}

	entry, _ := json.Marshal(map[string]any{
		"leadId":    l.ID,
		"userId":    userID,
		"subject":   subject,
		"messageId": res.Data["messageId"],
		"sentAt":    e.now().UTC().Format(time.RFC3339),
	})
	if _, err := e.crm.AppendBrainLog(ctx, domain.LogTypeEmailFollowup, companyID, entry); err != nil {
		log.Warn().Err(err).Str("lead_id", l.ID).Msg("record email follow-up")
	}
	return res
}

func (e *executors) sequenceStep(ctx context.Context, data map[string]any, userID, companyID string) domain.Result {
	l, fail := e.lead(ctx, data)
	if fail != nil {
		return *fail
	}
	vars := leadVars(l)
	meta := map[string]string{"kind": "sequence_step", "leadId": l.ID, "sequenceId": str(data, "sequenceId"), "step": str(data, "stepIndex")}

	var res domain.Result
	switch channel := strOr(data, "channel", "email"); channel {
	case "email":
		subject := render(strOr(data, "subject", "Quick note"), vars)
		res = e.sendEmail(ctx, l, subject, render(str(data, "message"), vars), meta)
	case "sms":
		res = e.sendSMS(ctx, l, render(str(data, "message"), vars), meta)
	default:
		return domain.Failed("unsupported sequence channel %q", channel)
	}
	if res.Success {
		res.Data["sequenceId"] = str(data, "sequenceId")
		res.Data["stepIndex"] = integer(data, "stepIndex")
	}
	return res
}

func (e *executors) smsFollowup(ctx context.Context, data map[string]any, userID, companyID string) domain.Result {
	l, fail := e.lead(ctx, data)
	if fail != nil {
		return *fail
	}
	msg := render(strOr(data, "message", "Hi {{name}}, just checking in!"), leadVars(l))
	return e.sendSMS(ctx, l, msg, map[string]string{"kind": "sms_followup", "leadId": l.ID})
}

// paymentReminder emails a reminder and, while reminderCount is below
// MaxPaymentReminders, schedules the next one with the counter advanced.
func (e *executors) paymentReminder(ctx context.Context, data map[string]any, userID, companyID string) domain.Result {
	l, fail := e.lead(ctx, data)
	if fail != nil {
		return *fail
	}
	count := integer(data, "reminderCount")
	vars := leadVars(l)
	vars["amount"] = strOr(data, "amount", "the outstanding balance")
	vars["due_date"] = strOr(data, "dueDate", "soon")

	subject := render(strOr(data, "subject", "Payment reminder"), vars)
	body := render(strOr(data, "message", "Hi {{name}}, this is a friendly reminder that your payment of {{amount}} is due {{due_date}}."), vars)
	res := e.sendEmail(ctx, l, subject, body, map[string]string{"kind": "payment_reminder", "leadId": l.ID})
	if !res.Success {
		return res
	}
	res.Data["reminderCount"] = count

	if count < MaxPaymentReminders {
		next := copyData(data)
		next["reminderCount"] = count + 1
		id, err := e.schedule(ctx, domain.TaskPaymentReminder, PaymentReminderInterval, next, userID, companyID)
		if err != nil {
			log.Error().Err(err).Str("lead_id", l.ID).Msg("reschedule payment reminder")
			res.Data["rescheduleError"] = err.Error()
		} else {
			res.Data["nextReminderId"] = id
		}
	}
	return res
}

func (e *executors) agentFollowup(ctx context.Context, data map[string]any, userID, companyID string) domain.Result {
	l, fail := e.lead(ctx, data)
	if fail != nil {
		return *fail
	}
	vars := leadVars(l)
	agent := strOr(data, "agentName", "AI agent")
	msg := render(strOr(data, "note", "Your "+agent+" recommends following up with {{name}}."), vars)
	return e.notify(ctx, "agent_followup", render("Follow up with {{name}}", vars), msg, userID, companyID)
}

func (e *executors) salesCall(ctx context.Context, data map[string]any, userID, companyID string) domain.Result {
	l, fail := e.lead(ctx, data)
	if fail != nil {
		return *fail
	}
	vars := leadVars(l)
	vars["scheduled_for"] = strOr(data, "scheduledFor", "soon")
	msg := render(strOr(data, "message", "Sales call with {{name}} is coming up {{scheduled_for}}."), vars)
	return e.notify(ctx, "sales_call", "Upcoming sales call", msg, userID, companyID)
}

func (e *executors) retargetingEmail(ctx context.Context, data map[string]any, userID, companyID string) domain.Result {
	l, fail := e.lead(ctx, data)
	if fail != nil {
		return *fail
	}
	vars := leadVars(l)
	subject := render(strOr(data, "subject", "We miss you, {{name}}"), vars)
	body := render(strOr(data, "body", "Hi {{name}}, we have some new updates we think you'll love."), vars)
	return e.sendEmail(ctx, l, subject, body, map[string]string{"kind": "retargeting_email", "leadId": l.ID, "campaignId": str(data, "campaignId")})
}

func (e *executors) retargetingSMS(ctx context.Context, data map[string]any, userID, companyID string) domain.Result {
	l, fail := e.lead(ctx, data)
	if fail != nil {
		return *fail
	}
	msg := render(strOr(data, "message", "Hi {{name}}, we have something new for you."), leadVars(l))
	return e.sendSMS(ctx, l, msg, map[string]string{"kind": "retargeting_sms", "leadId": l.ID, "campaignId": str(data, "campaignId")})
}

func (e *executors) heatScoreUpdate(ctx context.Context, data map[string]any, userID, companyID string) domain.Result {
	l, fail := e.lead(ctx, data)
	if fail != nil {
		return *fail
	}
	score := HeatScore(l, e.now())
	if err := e.crm.UpdateLeadHeatScore(ctx, l.ID, score); err != nil {
		return domain.Failed("update heat score: %v", err)
	}
	return domain.Ok(map[string]any{"heatScore": score, "previousScore": l.HeatScore})
}

// HeatScore rates lead engagement from 0 to 100. Leads idle for more than a
// week lose two points per extra idle day.
func HeatScore(l domain.Lead, now time.Time) int {
	score := l.EmailOpens*5 + l.EmailClicks*10 + l.Replies*20 + l.Calls*15
	if score > 100 {
		score = 100
	}
	if l.LastActivityAt != nil {
		idle := int(now.Sub(*l.LastActivityAt).Hours() / 24)
		if idle > 7 {
			score -= (idle - 7) * 2
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}
