package downloader

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/justchokingaround/mbplay/internal/mediaserver"
)

const (
	defaultTemplate        = "{title} ({year})"
	defaultEpisodeTemplate = "{series} - S{season:02d}E{episode:02d} - {title}"
)

var (
	emptyParens   = regexp.MustCompile(`\(\s*\)`)
	emptyBrackets = regexp.MustCompile(`\[\s*\]`)
	spaces        = regexp.MustCompile(`\s+`)
	templateVar   = regexp.MustCompile(`\{([a-z]+)(?::[^}]+)?\}`)
)

// ParseTemplate fills a filename template from item metadata and appends
// the container extension. Supported variables:
//
//	{title} - item name
//	{series} - series name, empty for movies
//	{year} - production year
//	{season} or {season:02d} - season number (with optional padding)
//	{episode} or {episode:02d} - episode number (with optional padding)
func ParseTemplate(template string, item *mediaserver.Item, container string) (string, error) {
	if template == "" {
		return "", fmt.Errorf("template cannot be empty")
	}

	result := template
	result = strings.ReplaceAll(result, "{title}", item.Name)
	result = strings.ReplaceAll(result, "{series}", item.SeriesName)

	year := ""
	if item.ProductionYear > 0 {
		year = strconv.Itoa(item.ProductionYear)
	}
	result = strings.ReplaceAll(result, "{year}", year)

	result = replaceNumberTemplate(result, "season", item.ParentIndexNumber)
	result = replaceNumberTemplate(result, "episode", item.IndexNumber)

	// "Title ()" when the year is unknown
	result = emptyParens.ReplaceAllString(result, "")
	result = emptyBrackets.ReplaceAllString(result, "")
	result = spaces.ReplaceAllString(result, " ")
	result = strings.Trim(strings.TrimSpace(result), "-")

	result = SanitizeFilename(result)
	if container != "" {
		result += "." + container
	}
	return result, nil
}

// TemplateFor picks the episode template for episodes and the general one otherwise
func TemplateFor(item *mediaserver.Item, general, episode string) string {
	if general == "" {
		general = defaultTemplate
	}
	if episode == "" {
		episode = defaultEpisodeTemplate
	}
	if item.Type == "Episode" && item.SeriesName != "" {
		return episode
	}
	return general
}

// replaceNumberTemplate replaces number templates like {episode} or {episode:02d}
func replaceNumberTemplate(template, variable string, value int) string {
	pattern := regexp.MustCompile(fmt.Sprintf(`\{%s(?::(\d+)d)?\}`, variable))

	return pattern.ReplaceAllStringFunc(template, func(match string) string {
		matches := pattern.FindStringSubmatch(match)
		if len(matches) > 1 && matches[1] != "" {
			padding, err := strconv.Atoi(matches[1])
			if err != nil {
				padding = 0
			}
			return fmt.Sprintf("%0*d", padding, value)
		}
		return strconv.Itoa(value)
	})
}

// SanitizeFilename removes or replaces invalid characters from a filename
func SanitizeFilename(filename string) string {
	replacements := map[rune]string{
		'/':  "-",
		'\\': "-",
		':':  " -", // invalid on Windows
		'*':  "",
		'?':  "",
		'"':  "'",
		'<':  "",
		'>':  "",
		'|':  "-",
		'\n': " ",
		'\r': " ",
		'\t': " ",
	}

	var result strings.Builder
	result.Grow(len(filename))

	for _, ch := range filename {
		if replacement, exists := replacements[ch]; exists {
			result.WriteString(replacement)
		} else if !unicode.IsPrint(ch) {
			continue
		} else {
			result.WriteRune(ch)
		}
	}

	cleaned := spaces.ReplaceAllString(result.String(), " ")

	// Trim spaces and dots from start/end (problematic on Windows)
	cleaned = strings.Trim(cleaned, " .")

	if cleaned == "" {
		cleaned = "download"
	}

	// leave room for the extension and the .part suffix
	if len(cleaned) > 200 {
		cleaned = cleaned[:200]
		if lastSpace := strings.LastIndex(cleaned, " "); lastSpace > 150 {
			cleaned = cleaned[:lastSpace]
		}
		cleaned = strings.TrimRight(cleaned, " .-")
	}

	return cleaned
}

// EnsureUniqueFilename appends (1), (2), ... until path does not exist
func EnsureUniqueFilename(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	nameWithoutExt := strings.TrimSuffix(filepath.Base(path), ext)

	for i := 1; i < 1000; i++ {
		newPath := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", nameWithoutExt, i, ext))
		if _, err := os.Stat(newPath); os.IsNotExist(err) {
			return newPath
		}
	}

	return path
}

// ValidateTemplate checks braces and variable names
func ValidateTemplate(template string) error {
	if template == "" {
		return fmt.Errorf("template cannot be empty")
	}

	openBraces := strings.Count(template, "{")
	closeBraces := strings.Count(template, "}")
	if openBraces != closeBraces {
		return fmt.Errorf("unbalanced braces in template: %d open, %d close", openBraces, closeBraces)
	}

	validVars := map[string]bool{
		"title":   true,
		"series":  true,
		"year":    true,
		"season":  true,
		"episode": true,
	}

	for _, match := range templateVar.FindAllStringSubmatch(template, -1) {
		if len(match) > 1 && !validVars[match[1]] {
			return fmt.Errorf("invalid template variable: {%s}", match[1])
		}
	}
	return nil
}
