package wayfarer

import (
	"os"
	"path/filepath"

	"github.com/wayfarer/wayfarer/gemtext"
)

// bookmarksFile is the name of the bookmarks document within ConfigDir,
// matching the "bookmarks.gmi" filename the source writes and reads.
const bookmarksFile = "bookmarks.gmi"

// AddBookmark appends u to the session's bookmarks file as a link line,
// creating the file if it does not yet exist. An empty name bookmarks u
// under its own URL.
func (e *Engine) AddBookmark(u *URL, name string) error {
	path := filepath.Join(e.opts.ConfigDir, bookmarksFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.WriteString(u.LinkLine(name) + "\n")
	return err
}

// Bookmarks returns the link lines recorded in the bookmarks file, in the
// order they were added. A missing file is reported as an empty list, not
// an error: there is simply nothing to bookmark yet.
func (e *Engine) Bookmarks() ([]gemtext.LinkItem, error) {
	path := filepath.Join(e.opts.ConfigDir, bookmarksFile)
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var items []gemtext.LinkItem
	gemtext.ParseLines(string(body), func(line gemtext.Line) {
		l, ok := line.(gemtext.LinkLine)
		if !ok {
			return
		}
		item := gemtext.LinkItem{
			Index: len(items) + 1,
			URL:   l.URL,
			Name:  l.Name,
		}
		if parsed, err := ParseURL(l.URL); err == nil {
			item.Scheme = parsed.Scheme
		}
		items = append(items, item)
	})
	return items, nil
}
