package sanitize

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// trackingHosts never load in an exported document.
var trackingHosts = []string{"emltrk.com", "trk.email", "shim.gif"}

const (
	tahomaFace = "tahoma, sans-serif"
	fontStack  = `"Helvetica Neue", "Segoe UI Emoji", "Noto Color Emoji", "Apple Color Emoji", Helvetica,  Arial, sans-serif`
	blackColor = "#000000"
	whiteStyle = "background-color:rgb(255,255,255)"
)

// cleanDocument parses fragment as an HTML document, rewrites it and renders
// the contents of head and body without the wrapper elements.
func (s *Sanitizer) cleanDocument(ctx context.Context, fragment string) (string, error) {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	var metas, imgs, fonts, brs []*html.Node
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Meta:
				metas = append(metas, n)
			case atom.Img:
				imgs = append(imgs, n)
			case atom.Font:
				fonts = append(fonts, n)
			case atom.Br:
				brs = append(brs, n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)

	for _, m := range metas {
		if m.Parent != nil {
			m.Parent.RemoveChild(m)
		}
	}
	for _, br := range brs {
		if br.Parent == nil {
			continue
		}
		for next := br.NextSibling; isBr(next); next = br.NextSibling {
			br.Parent.RemoveChild(next)
		}
	}
	for _, img := range imgs {
		s.cleanImage(ctx, img)
	}
	for _, f := range fonts {
		cleanFont(f)
	}
	return render(doc)
}

func isBr(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode && n.DataAtom == atom.Br
}

func (s *Sanitizer) cleanImage(ctx context.Context, img *html.Node) {
	src, ok := attr(img, "src")
	if !ok {
		return
	}
	lower := strings.ToLower(strings.TrimSpace(src))
	switch {
	case lower == "broken":
		removeAttr(img, "src")
	case strings.HasPrefix(lower, "data:"):
		// inline data is always kept
	case blocked(lower):
		s.Logger.Debug("dropped tracking image", "src", src)
		removeAttr(img, "src")
	case s.Prober != nil && !s.Prober.Reachable(ctx, src):
		s.Logger.Debug("dropped unreachable image", "src", src)
		removeAttr(img, "src")
	}
}

func blocked(src string) bool {
	for _, host := range trackingHosts {
		if strings.Contains(src, host) {
			return true
		}
	}
	return false
}

func cleanFont(n *html.Node) {
	if face, ok := attr(n, "face"); ok && face == tahomaFace {
		setAttr(n, "face", fontStack)
	}
	if color, ok := attr(n, "color"); ok && color == blackColor {
		removeAttr(n, "color")
	}
	if style, ok := attr(n, "style"); ok && style == whiteStyle {
		removeAttr(n, "style")
	}
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			continue
		}
		kept = append(kept, a)
	}
	n.Attr = kept
}

// render writes the children of head and then of body.
func render(doc *html.Node) (string, error) {
	root := child(doc, atom.Html)
	if root == nil {
		return "", nil
	}
	var buf bytes.Buffer
	for _, section := range []atom.Atom{atom.Head, atom.Body} {
		container := child(root, section)
		if container == nil {
			continue
		}
		for c := container.FirstChild; c != nil; c = c.NextSibling {
			if err := html.Render(&buf, c); err != nil {
				return "", fmt.Errorf("render html: %w", err)
			}
		}
	}
	return buf.String(), nil
}

func child(n *html.Node, a atom.Atom) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			return c
		}
	}
	return nil
}
