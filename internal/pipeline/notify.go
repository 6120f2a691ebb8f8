package pipeline

import (
	"context"

	"github.com/yajmaan/sevaflow/internal/client"
	"github.com/yajmaan/sevaflow/internal/model"
	"github.com/yajmaan/sevaflow/internal/resolver"
	"go.uber.org/zap"
)

// message is the rendered header and body for one recipient
type message struct {
	Header   string
	Body     string
	Warnings []string
}

// resolve renders the temple's template for the work item. It cannot fail.
func (o *Orchestrator) resolve(item *model.WorkItem, hostedURL string) message {
	header := resolver.Render(item.Template.Header, item.Record, hostedURL)
	body := resolver.Render(item.Template.Description, item.Record, hostedURL)

	var warnings []string
	warnings = append(warnings, header.Warnings...)
	warnings = append(warnings, body.Warnings...)
	return message{Header: header.Text, Body: body.Text, Warnings: warnings}
}

// notify sends the rendered message, retrying rate limits and outages
func (o *Orchestrator) notify(run *recordRun, msg message) (string, error) {
	item := run.item
	req := client.TemplateMessage{
		CountryCode:  item.Record.CountryCode,
		Phone:        item.Record.PhoneNumber,
		TemplateName: item.Template.TemplateName,
		LanguageCode: o.opts.LanguageCode,
		Header:       msg.Header,
		Body:         msg.Body,
		CallbackData: item.ID,
	}

	var messageID string
	n, err := retry(o.stopCtx, o.opts.Retry, func(attempt int) error {
		return o.call(func(ctx context.Context) error {
			id, err := o.deps.Messaging.SendTemplated(ctx, req)
			if err != nil {
				run.log.Warn("send attempt failed", zap.Int("attempt", attempt), zap.Error(err))
				return err
			}
			messageID = id
			return nil
		})
	})
	run.attempts[attemptNotify] = n
	if err != nil {
		return "", err
	}

	run.log.Info("message sent", zap.String("message_id", messageID))
	return messageID, nil
}
