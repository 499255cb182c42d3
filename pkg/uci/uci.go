// Package uci reads the daemon configuration from an OpenWrt UCI file
package uci

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Section is one `config <type> '<name>'` block
type Section struct {
	Type    string
	Name    string
	Options map[string]string
	Lists   map[string][]string
}

// Get returns an option value
func (s *Section) Get(option string) (string, bool) {
	v, ok := s.Options[option]
	return v, ok
}

// List returns the values of a list option
func (s *Section) List(option string) []string {
	return s.Lists[option]
}

// File is a parsed UCI package
type File struct {
	Sections []*Section
}

// Section returns the first section of the given type
func (f *File) Section(sectionType string) *Section {
	for _, s := range f.Sections {
		if s.Type == sectionType {
			return s
		}
	}
	return nil
}

// ParseFile parses the UCI file at path
func ParseFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return Parse(fh)
}

// Parse reads UCI text: config, option and list statements
func Parse(r io.Reader) (*File, error) {
	f := &File{}
	var current *Section

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		words, err := splitWords(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if len(words) == 0 {
			continue
		}

		switch words[0] {
		case "package":
			continue
		case "config":
			if len(words) < 2 || len(words) > 3 {
				return nil, fmt.Errorf("line %d: invalid section definition", lineNum)
			}
			current = &Section{
				Type:    words[1],
				Options: make(map[string]string),
				Lists:   make(map[string][]string),
			}
			if len(words) == 3 {
				current.Name = words[2]
			}
			f.Sections = append(f.Sections, current)
		case "option", "list":
			if current == nil {
				return nil, fmt.Errorf("line %d: %s outside of a section", lineNum, words[0])
			}
			if len(words) != 3 {
				return nil, fmt.Errorf("line %d: invalid %s definition", lineNum, words[0])
			}
			if words[0] == "option" {
				current.Options[words[1]] = words[2]
			} else {
				current.Lists[words[1]] = append(current.Lists[words[1]], words[2])
			}
		default:
			return nil, fmt.Errorf("line %d: unknown statement %q", lineNum, words[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

// splitWords tokenizes a line, honouring single and double quotes and
// dropping a trailing # comment
func splitWords(line string) ([]string, error) {
	var words []string
	var word strings.Builder
	inWord := false
	var quote rune

	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			word.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == '#':
			if inWord {
				words = append(words, word.String())
			}
			return words, nil
		case r == ' ' || r == '\t':
			if inWord {
				words = append(words, word.String())
				word.Reset()
				inWord = false
			}
		default:
			word.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	if inWord {
		words = append(words, word.String())
	}
	return words, nil
}
