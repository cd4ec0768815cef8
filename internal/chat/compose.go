package chat

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Attachment is a text file whose content is sent inline with a message.
type Attachment struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ComposeContent builds the outbound user message: the trimmed text followed by one
// delimited block per attachment. It reports false when there is nothing to send.
func ComposeContent(text string, files []Attachment) (string, bool) {
	content := strings.TrimSpace(text)
	if content == "" && len(files) == 0 {
		return "", false
	}
	if len(files) > 0 {
		blocks := make([]string, len(files))
		for i, f := range files {
			blocks[i] = fmt.Sprintf("\n\n---FILE: %s---\n%s\n---END FILE---", f.Name, f.Content)
		}
		content += strings.Join(blocks, "\n")
	}
	return content, true
}

// Composer holds the input being written and the files attached to it. A successful
// submission clears it before any network activity.
type Composer struct {
	mu    sync.Mutex
	text  string
	files []Attachment
}

func (c *Composer) SetText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
}

func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

func (c *Composer) Attach(a Attachment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = append(c.files, a)
}

// AttachFile reads path and attaches its content under the file's base name.
func (c *Composer) AttachFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	c.Attach(Attachment{Name: filepath.Base(path), Content: string(data)})
	return nil
}

// Remove drops the attachment at index i.
func (c *Composer) Remove(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.files) {
		return
	}
	c.files = slices.Delete(slices.Clone(c.files), i, i+1)
}

func (c *Composer) Attachments() []Attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.files)
}

func (c *Composer) compose() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ComposeContent(c.text, c.files)
}

func (c *Composer) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = ""
	c.files = nil
}
