package telegram

import (
	"fmt"
	"strings"
	"time"

	"pubchat-client/internal/domain"
)

const messageLimit = 4096

// SplitMessage режет текст на части не длиннее limit рун, по возможности по переводам строк.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = messageLimit
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	runes := []rune(trimmed)
	if len(runes) <= limit {
		return []string{trimmed}
	}

	var parts []string
	for start := 0; start < len(runes); {
		end := start + limit
		if end >= len(runes) {
			if chunk := strings.Trim(string(runes[start:]), "\n"); chunk != "" {
				parts = append(parts, chunk)
			}
			break
		}

		split := end
		for i := end; i > start; i-- {
			if runes[i-1] == '\n' {
				split = i
				break
			}
		}
		if chunk := strings.Trim(string(runes[start:split]), "\n"); chunk != "" {
			parts = append(parts, chunk)
		}
		start = split
		for start < len(runes) && runes[start] == '\n' {
			start++
		}
	}
	return parts
}

// FormatMessage строит текст зеркала: заголовок с автором и временем, цитата, тело, вложения.
func FormatMessage(msg domain.VerifiedMessage) string {
	var b strings.Builder
	sent := time.UnixMilli(msg.Timestamp).UTC().Format("2006-01-02 15:04:05")
	fmt.Fprintf(&b, "%s (%s) %s\n", msg.Profile.DisplayName, shortKey(msg.Source), sent)
	if msg.Quote != nil {
		quote := strings.TrimSpace(msg.Quote.Text)
		if quote != "" {
			fmt.Fprintf(&b, "> %s: %s\n", shortKey(msg.Quote.Author), firstLine(quote))
		}
	}
	if msg.Body != "" {
		b.WriteString(msg.Body)
		b.WriteByte('\n')
	}
	for _, a := range msg.Attachments {
		name := a.FileName
		if name == "" {
			name = a.ContentType
		}
		fmt.Fprintf(&b, "[вложение %s] %s\n", name, a.URL)
	}
	for _, p := range msg.Preview {
		if p.URL != "" {
			fmt.Fprintf(&b, "[ссылка] %s\n", p.URL)
		}
	}
	return b.String()
}

func shortKey(key string) string {
	if len(key) <= 12 {
		return key
	}
	return key[:6] + "…" + key[len(key)-4:]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + "…"
	}
	return s
}
