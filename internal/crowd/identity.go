package crowd

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"

	"github.com/ksanyok/promopilot-sub004/internal/domain"
)

var firstNames = map[string][]string{
	"en": {"Emily", "James", "Olivia", "Daniel", "Sophia", "Michael", "Grace", "Ethan", "Chloe", "Ryan"},
	"ru": {"Anna", "Dmitry", "Olga", "Sergey", "Irina", "Pavel", "Elena", "Maxim", "Tatiana", "Alexey"},
}

type messageTemplate struct {
	subject string
	body    string
}

// Templates take the anchor then the promoted URL.
var templates = map[string][]messageTemplate{
	"en": {
		{"Useful read on %s", "Hi! I came across a detailed piece about %s and thought it might be useful to your readers: %s"},
		{"A resource about %s", "Hello, sharing an article on %s that answers a lot of common questions: %s"},
		{"Suggestion: %s", "Good day! If you collect materials on %s, this one is worth a look: %s"},
	},
	"ru": {
		{"Полезный материал: %s", "Здравствуйте! Нашёл подробную статью про %s, возможно, она будет полезна вашим читателям: %s"},
		{"Статья по теме %s", "Добрый день! Делюсь материалом о %s, там разобраны частые вопросы: %s"},
	},
}

// Synthesizer builds sender identities and message text for crowd tasks.
// It is not safe for concurrent use.
type Synthesizer struct {
	rnd         *rand.Rand
	mailDomains []string
	newToken    func() string
}

// NewSynthesizer creates a synthesizer. seed makes output reproducible in
// tests; production callers pass a random seed.
func NewSynthesizer(mailDomains []string, seed uint64) *Synthesizer {
	if len(mailDomains) == 0 {
		mailDomains = []string{"gmail.com"}
	}
	return &Synthesizer{
		rnd:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		mailDomains: mailDomains,
		newToken:    uuid.NewString,
	}
}

// langKey maps a language to a template set, defaulting to English.
func langKey(lang string) string {
	lang = domain.LanguageCode(lang)
	if _, ok := templates[lang]; ok {
		return lang
	}
	return "en"
}

// Identity returns a fabricated sender for language.
func (s *Synthesizer) Identity(language string) domain.Identity {
	lang := langKey(language)
	names := firstNames[lang]
	name := names[s.rnd.IntN(len(names))]
	domainName := s.mailDomains[s.rnd.IntN(len(s.mailDomains))]

	email := fmt.Sprintf("%s.%04d@%s", strings.ToLower(name), s.rnd.IntN(10000), domainName)

	prefix := "+1"
	if lang == "ru" {
		prefix = "+7"
	}
	var digits strings.Builder
	for range 10 {
		digits.WriteByte(byte('0' + s.rnd.IntN(10)))
	}

	return domain.Identity{
		Name:  name,
		Email: email,
		Phone: prefix + digits.String(),
		Token: s.newToken(),
	}
}

// Message returns a subject and body mentioning anchor and url.
func (s *Synthesizer) Message(language, anchor, url string) (string, string) {
	options := templates[langKey(language)]
	tpl := options[s.rnd.IntN(len(options))]
	if anchor == "" {
		anchor = url
	}
	return fmt.Sprintf(tpl.subject, anchor), fmt.Sprintf(tpl.body, anchor, url)
}

// Payload builds the initial payload for a task promoting leaf. link is nil
// for manual fallback tasks.
func (s *Synthesizer) Payload(run *domain.Run, leaf *domain.Node, link *domain.CrowdLink) domain.CrowdTaskPayload {
	promoted := run.TargetURL
	if leaf.ResultURL != nil && *leaf.ResultURL != "" {
		promoted = *leaf.ResultURL
	}
	anchor := run.Anchor
	if leaf.ArticleTitle != nil && *leaf.ArticleTitle != "" {
		anchor = *leaf.ArticleTitle
	}
	subject, body := s.Message(run.Language, anchor, promoted)

	p := domain.CrowdTaskPayload{
		Subject:     subject,
		Body:        body,
		Language:    langKey(run.Language),
		Anchor:      anchor,
		PromotedURL: promoted,
		Identity:    s.Identity(run.Language),
	}
	if link == nil {
		p.ManualFallback = true
	} else {
		p.Link = link.Ref()
	}
	return p
}
