// Package mail sends the sign in verification code emails.
package mail

import (
	"errors"
	"net/smtp"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/jordan-wright/email"
	"github.com/spf13/viper"

	"github.com/anymize/anymize/internal/pkg/cmdapp"
)

// Sender send emails
type Sender interface {
	Send(email *email.Email) error
}

// EmailMaker prepares the verification code email
type EmailMaker interface {
	Make(to, code string) (*email.Email, error)
}

type SimpleEmailSender struct {
	sendPool *email.Pool
}

// NewSimpleEmailSender creates a sender with a pooled smtp connection
func NewSimpleEmailSender() (*SimpleEmailSender, error) {
	r := SimpleEmailSender{}
	var err error
	r.sendPool, err = email.NewPool(cmdapp.Config.GetString("smtp.host")+":"+cmdapp.Config.GetString("smtp.port"), 1,
		smtp.PlainAuth("", cmdapp.Config.GetString("smtp.username"), cmdapp.Config.GetString("smtp.password"), cmdapp.Config.GetString("smtp.host")))
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SimpleEmailSender) Send(email *email.Email) error {
	return s.sendPool.Send(email, 10*time.Second)
}

type CodeEmailMaker struct {
	c *viper.Viper
}

// NewCodeEmailMaker creates the maker and checks the required settings
func NewCodeEmailMaker() (*CodeEmailMaker, error) {
	return newCodeEmailMaker(cmdapp.Config)
}

func newCodeEmailMaker(c *viper.Viper) (*CodeEmailMaker, error) {
	r := CodeEmailMaker{c: c}
	for _, key := range []string{"mail.code.subject", "mail.code.text", "smtp.username"} {
		if _, err := getStringNonNil(c, key); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// Make prepares the email carrying the verification code
func (maker *CodeEmailMaker) Make(to, code string) (*email.Email, error) {
	if err := checkmail.ValidateFormat(to); err != nil {
		return nil, errors.New("wrong email " + to)
	}
	r := email.NewEmail()
	var err error
	r.Subject, err = getStringNonNil(maker.c, "mail.code.subject")
	if err != nil {
		return nil, err
	}
	text, err := getStringNonNil(maker.c, "mail.code.text")
	if err != nil {
		return nil, err
	}
	r.Text = []byte(strings.Replace(text, "{{CODE}}", code, -1))
	r.To = []string{to}
	r.From, err = getStringNonNil(maker.c, "smtp.username")
	return r, err
}

func getStringNonNil(c *viper.Viper, key string) (string, error) {
	r := c.GetString(key)
	if r == "" {
		return "", errors.New("No setting " + key)
	}
	return r, nil
}
