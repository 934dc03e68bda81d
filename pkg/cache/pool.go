package cache

import (
	"github.com/sirupsen/logrus"

	cerrors "github.com/ascrivener/dyncache/pkg/errors"
	"github.com/ascrivener/dyncache/pkg/ram"
)

// The page pool is a fixed set of CodePage objects. Claimed pages sit on a
// doubly linked used list in claim order so the oldest one can be evicted
// when the free list runs dry.

func (c *Cache) unlinkUsed(p *CodePage) {
	if p.prevPage != nil {
		p.prevPage.next = p.next
	} else {
		c.usedHead = p.next
	}
	if p.next != nil {
		p.next.prevPage = p.prevPage
	} else {
		c.usedTail = p.prevPage
	}
	p.next, p.prevPage = nil, nil
	c.usedCount--
}

func (c *Cache) appendUsed(p *CodePage) {
	p.next = nil
	p.prevPage = c.usedTail
	if c.usedTail != nil {
		c.usedTail.next = p
	} else {
		c.usedHead = p
	}
	c.usedTail = p
	c.usedCount++
}

// MakeCodePage returns the code page intercepting the linear page holding
// linear, claiming one when the page holds no code yet. big selects 32-bit
// code; a page translated with the other size is dropped and claimed afresh.
// protect, typically the page the decoder is already reading from, is never
// evicted to make room; when it is the only claimed page ErrPagePoolExhausted
// is returned.
func (c *Cache) MakeCodePage(linear uint32, big bool, protect *CodePage) (*CodePage, error) {
	c.mustBeOpen()
	linPage := linear >> ram.PageShift
	phys := c.mem.PhysicalPage(linPage)
	h := c.mem.PhysHandler(phys)

	if h.Flags()&ram.HasCode != 0 {
		if p, ok := h.(*CodePage); ok {
			want := ram.HasCode16
			if big {
				want = ram.HasCode32
			}
			if p.flags&want != 0 {
				return p, nil
			}
			p.ClearRelease()
			h = c.mem.PhysHandler(phys)
		}
	}
	if h.Flags()&ram.NoCode != 0 {
		return nil, cerrors.ErrNoCodePage
	}

	if c.freePages == nil {
		victim := c.usedHead
		if victim == protect && victim != nil {
			victim = victim.next
		}
		if victim == nil {
			// Only the page being decoded is claimed; the caller ends the
			// block before this page.
			c.log.WithField("page", phys).Warn("no code page can be evicted")
			return nil, cerrors.ErrPagePoolExhausted
		}
		c.log.WithField("page", victim.phys).Debug("evicting oldest code page")
		victim.ClearRelease()
	}

	p := c.freePages
	c.freePages = p.next
	p.next = nil
	c.appendUsed(p)
	p.inUse = true
	p.SetupAt(phys, h, big)
	c.mem.SetPageHandler(phys, 1, p)
	c.mem.UnlinkPage(linPage)

	c.stats.PagesClaimed++
	c.metrics.pagesClaimed.Inc()
	c.metrics.pagesUsed.Inc()
	c.log.WithFields(logrus.Fields{"page": phys, "big": big}).Debug("claimed code page")
	return p, nil
}

// UsedPages lists the physical pages currently claimed, oldest first.
func (c *Cache) UsedPages() []uint32 {
	var out []uint32
	for p := c.usedHead; p != nil; p = p.next {
		out = append(out, p.phys)
	}
	return out
}

// FreePages returns how many CodePage objects are unclaimed
func (c *Cache) FreePages() int {
	return len(c.pages) - c.usedCount
}
