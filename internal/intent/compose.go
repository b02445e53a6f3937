package intent

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Step is the stage of the guided compose dialogue.
type Step string

const (
	StepNone    Step = ""
	StepTo      Step = "to"
	StepSubject Step = "subject"
	StepBody    Step = "body"
	StepConfirm Step = "confirm"
)

const (
	maxSpokenBody   = 800
	typingThreshold = 2
)

type Draft struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type Message struct {
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// Mailbox is the email backend the dialogue reads from and sends through.
type Mailbox interface {
	Latest(ctx context.Context) (Message, bool, error)
	Send(ctx context.Context, d Draft) error
}

// Dialogue is the per-user compose state. The zero value is "not composing".
type Dialogue struct {
	Step      Step
	Draft     Draft
	ToRetries int
}

func (d *Dialogue) reset() { *d = Dialogue{} }

type Result struct {
	Intent       string
	ResponseText string
	Step         Step
}

type Processor struct {
	detector *Detector
	mailbox  Mailbox
}

func NewProcessor(detector *Detector, mailbox Mailbox) *Processor {
	return &Processor{detector: detector, mailbox: mailbox}
}

// HandleTranscript detects the intent of a spoken turn and advances d.
func (p *Processor) HandleTranscript(ctx context.Context, d *Dialogue, text string) Result {
	text = strings.TrimSpace(text)
	in := p.detector.Detect(text, d.Step)
	var reply string
	switch in {
	case ReadEmail:
		reply = p.readLatest(ctx)
	case SendEmail:
		reply = p.compose(ctx, d, text)
	case StopReading:
		// The client stops playback itself; no speech needed.
		reply = ""
	case CancelEmail:
		d.reset()
		reply = "Email cancelled. What else can I help you with?"
	case Logout:
		d.reset()
		reply = "You have been logged out. Goodbye!"
	case Help:
		reply = "You can say: read email, send email, logout, or help. I will carry out your request right away."
	default:
		if text != "" {
			reply = fmt.Sprintf("I heard: %s. I am not sure what you want. Try saying read email or send email.", text)
		}
	}
	return Result{Intent: in, ResponseText: reply, Step: d.Step}
}

// HandleTyped applies a typed value for one compose field.
func (p *Processor) HandleTyped(ctx context.Context, d *Dialogue, field, value string) Result {
	if d.Step == StepNone {
		d.Step = StepTo
	}
	value = strings.TrimSpace(value)
	var reply string
	switch Step(field) {
	case StepTo:
		if !IsValidEmail(value) {
			reply = fmt.Sprintf("'%s' doesn't look like a valid email address. Please check and try again.", value)
			break
		}
		d.Draft.To, d.Step, d.ToRetries = value, StepSubject, 0
		reply = fmt.Sprintf("Got it, sending to %s. Now say the subject.", Readable(value))
	case StepSubject:
		d.Draft.Subject, d.Step = value, StepBody
		reply = fmt.Sprintf("Subject: %s. Now say your message.", value)
	case StepBody:
		d.Draft.Body, d.Step = value, StepConfirm
		reply = fmt.Sprintf("Ready to send. To: %s. Subject: %s. Message: %s. Say yes to confirm or cancel to abort.",
			Readable(d.Draft.To), d.Draft.Subject, value)
	case StepConfirm:
		reply = p.send(ctx, d)
	default:
		reply = "Unknown field."
	}
	return Result{Intent: SendEmail, ResponseText: reply, Step: d.Step}
}

func (p *Processor) readLatest(ctx context.Context) string {
	msg, ok, err := p.mailbox.Latest(ctx)
	if err != nil || !ok {
		return "Your inbox is empty or I could not retrieve your emails."
	}
	from, subject, body := orDefault(msg.From, "Unknown"), orDefault(msg.Subject, "No subject"), orDefault(msg.Body, "No content")
	if r := []rune(body); len(r) > maxSpokenBody {
		body = string(r[:maxSpokenBody]) + "... message continues."
	}
	return fmt.Sprintf("Your latest email is from %s. Subject: %s. Message: %s", from, subject, body)
}

func (p *Processor) compose(ctx context.Context, d *Dialogue, text string) string {
	switch d.Step {
	case StepNone:
		d.reset()
		d.Step = StepTo
		return "Sure! Let's compose an email. Who would you like to send it to? Please say the recipient's email address."
	case StepTo:
		addr := NormalizeEmailAddress(text)
		if !IsValidEmail(addr) {
			d.ToRetries++
			if d.ToRetries >= typingThreshold {
				return fmt.Sprintf("I heard: %q, that doesn't look like a valid email address. Please type the address instead.", text)
			}
			return fmt.Sprintf("I heard: %q, that doesn't look like a valid email address. Please say it again clearly. For example: r u t i k at gmail dot com.", text)
		}
		d.Draft.To, d.Step, d.ToRetries = addr, StepSubject, 0
		return fmt.Sprintf("Got it, sending to %s. What is the subject?", Readable(addr))
	case StepSubject:
		d.Draft.Subject, d.Step = text, StepBody
		return fmt.Sprintf("Subject: %s. What is your message?", text)
	case StepBody:
		d.Draft.Body, d.Step = text, StepConfirm
		return fmt.Sprintf("Ready to send. To: %s. Subject: %s. Message: %s. Say yes or confirm to send, or cancel to abort.",
			Readable(d.Draft.To), d.Draft.Subject, text)
	case StepConfirm:
		if p.detector.Confirms(text) {
			return p.send(ctx, d)
		}
		d.reset()
		return "Email cancelled."
	default:
		d.reset()
		return "Something went wrong. Email compose reset. Please try again."
	}
}

func (p *Processor) send(ctx context.Context, d *Dialogue) string {
	draft := d.Draft
	d.reset()
	if err := p.mailbox.Send(ctx, draft); err != nil {
		return fmt.Sprintf("Failed to send email. %v. Please try again.", err)
	}
	return fmt.Sprintf("Email sent successfully to %s!", Readable(draft.To))
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
