package probe

import "github.com/v0xg/bddscout/internal/crawler"

// helpersJS is shared by every scan. It assumes locate() is in scope.
const helpersJS = `
const SKIP = new Set(['HTML', 'HEAD', 'BODY', 'SCRIPT', 'STYLE', 'NOSCRIPT', 'TEMPLATE', 'META', 'LINK', 'TITLE']);

function isVisible(el) {
	const rect = el.getBoundingClientRect();
	if (rect.width === 0 || rect.height === 0) return false;
	const style = window.getComputedStyle(el);
	return style.display !== 'none' && style.visibility !== 'hidden' && style.opacity !== '0';
}

function isHidden(el) {
	const style = window.getComputedStyle(el);
	return style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0';
}

function textOf(el) {
	return (el.innerText || el.textContent || '').trim();
}

function hasContent(el, text) {
	const tag = el.tagName.toLowerCase();
	if (tag === 'img' || tag === 'svg') return text.length <= 200;
	return text.length > 0 && text.length <= 200;
}

function classOf(el) {
	return typeof el.className === 'string' ? el.className : (el.getAttribute('class') || '');
}

function describe(el, text) {
	const rect = el.getBoundingClientRect();
	return {
		tag: el.tagName.toLowerCase(),
		text: text.slice(0, 200),
		xpath: locate(el),
		id: el.id || '',
		class: classOf(el),
		role: el.getAttribute('role') || '',
		aria_label: el.getAttribute('aria-label') || '',
		aria_expanded: el.getAttribute('aria-expanded') || '',
		aria_haspopup: el.getAttribute('aria-haspopup') || '',
		position: { x: rect.x, y: rect.y, width: rect.width, height: rect.height }
	};
}

const MODAL_SELECTORS = [
	'[role="dialog"]', '.modal', '.popup',
	'[class*="modal"]', '[class*="popup"]', '[class*="dialog"]', '[class*="overlay"]'
];

function visibleModals() {
	const found = [];
	const seen = new Set();
	for (const sel of MODAL_SELECTORS) {
		for (const el of document.querySelectorAll(sel)) {
			if (seen.has(el)) continue;
			seen.add(el);
			if (isVisible(el)) found.push(el);
		}
	}
	return found;
}
`

// hoverScanScript emits hover candidates in document order.
const hoverScanScript = `(limit) => {` + crawler.LocateJS + helpersJS + `
	const hoverSelectors = new Set();
	const collect = (rules) => {
		for (const rule of rules) {
			if (!rule.selectorText) {
				if (rule.cssRules) {
					try { collect(rule.cssRules); } catch (e) {}
				}
				continue;
			}
			if (rule.selectorText.indexOf(':hover') === -1) continue;
			for (const part of rule.selectorText.split(',')) {
				const i = part.indexOf(':hover');
				if (i === -1) continue;
				const raw = part.slice(0, i);
				let target = raw.trim();
				if (target === '' || target === '*') continue;
				if (/[>+~]$/.test(target) || /\s$/.test(raw)) {
					target = target + ' *';
				}
				try {
					document.querySelector(target);
					hoverSelectors.add(target);
				} catch (e) {}
			}
		}
	};
	for (const sheet of document.styleSheets) {
		let rules;
		try { rules = sheet.cssRules; } catch (e) { continue; }
		if (rules) collect(rules);
	}

	const matchesHoverRule = (el) => {
		for (const sel of hoverSelectors) {
			try {
				if (el.matches(sel)) return true;
			} catch (e) {}
		}
		return false;
	};

	const nearDropdown = (el) => {
		let node = el.parentElement;
		for (let depth = 0; node && depth < 3; depth++, node = node.parentElement) {
			const pos = window.getComputedStyle(node).position;
			if (pos !== 'relative' && pos !== 'absolute') continue;
			for (const child of node.children) {
				if (child === el || child.contains(el)) continue;
				if (isHidden(child)) return true;
			}
		}
		return false;
	};

	const hoverable = (el) => {
		if (window.getComputedStyle(el).cursor === 'pointer') return true;
		if (el.hasAttribute('onmouseover') || el.hasAttribute('onmouseenter') || el.hasAttribute('onmouseleave')) return true;
		return matchesHoverRule(el) || nearDropdown(el);
	};

	const out = [];
	const seen = new Set();
	for (const el of document.querySelectorAll('body *')) {
		if (out.length >= limit) break;
		if (SKIP.has(el.tagName.toUpperCase())) continue;
		if (!isVisible(el)) continue;
		const text = textOf(el);
		if (!hasContent(el, text) || !hoverable(el)) continue;
		const c = describe(el, text);
		if (seen.has(c.xpath)) continue;
		seen.add(c.xpath);
		out.push(c);
	}
	return JSON.stringify(out);
}`

// popupScanScript emits popup trigger candidates in document order.
const popupScanScript = `(limit) => {` + crawler.LocateJS + helpersJS + `
	const KEYWORDS = ['modal', 'popup', 'dialog', 'overlay', 'toggle', 'open', 'show', 'trigger'];
	const PHRASES = ['learn more', 'sign up', 'login', 'log in', 'subscribe', 'register', 'join',
		'get started', 'more info', 'details', 'view', 'show', 'open'];

	const triggers = (el, text) => {
		if (el.hasAttribute('onclick')) return true;
		for (const attr of el.attributes) {
			if (attr.name.startsWith('data-') && KEYWORDS.some(k => attr.name.includes(k))) return true;
		}
		if (el.hasAttribute('aria-expanded') || el.hasAttribute('aria-haspopup')) return true;
		const lower = text.toLowerCase();
		return PHRASES.some(p => lower.includes(p));
	};

	const out = [];
	const seen = new Set();
	const nodes = document.querySelectorAll('button, a, [onclick], [role="button"], [aria-haspopup], [aria-expanded]');
	for (const el of nodes) {
		if (out.length >= limit) break;
		if (SKIP.has(el.tagName.toUpperCase())) continue;
		if (!isVisible(el)) continue;
		const text = textOf(el);
		if (!hasContent(el, text) || !triggers(el, text)) continue;
		const c = describe(el, text);
		if (seen.has(c.xpath)) continue;
		seen.add(c.xpath);
		out.push(c);
	}
	return JSON.stringify(out);
}`

const snapshotScript = `() => {` + crawler.LocateJS + helpersJS + `
	const elements = [];
	document.querySelectorAll('a, button, [role="menuitem"], [role="button"]').forEach(el => {
		if (!isVisible(el)) return;
		elements.push({
			text: textOf(el).slice(0, 100),
			tag: el.tagName.toLowerCase(),
			href: el.getAttribute('href') || ''
		});
	});
	return JSON.stringify({
		elements: elements,
		markup_length: document.body ? document.body.innerHTML.length : 0
	});
}`

// modalStateScript counts visible modal-like nodes and describes the ones
// larger than minSide in both dimensions.
const modalStateScript = `(minSide) => {` + crawler.LocateJS + helpersJS + `
	const found = visibleModals();
	const modals = [];
	for (const el of found) {
		const rect = el.getBoundingClientRect();
		if (rect.width <= minSide || rect.height <= minSide) continue;
		modals.push({
			text: textOf(el).slice(0, 200),
			role: el.getAttribute('role') || '',
			class: classOf(el),
			has_close_button: !!el.querySelector('[aria-label*="close" i], [class*="close"], button')
		});
	}
	return JSON.stringify({ count: found.length, modals: modals });
}`

// closeTargetScript returns the locator of the first visible match of
// selector inside a visible modal-like node, or an empty string.
const closeTargetScript = `(selector) => {` + crawler.LocateJS + helpersJS + `
	const modals = visibleModals();
	let matches;
	try { matches = document.querySelectorAll(selector); } catch (e) { return ''; }
	for (const el of matches) {
		if (!isVisible(el)) continue;
		if (!modals.some(m => m === el || m.contains(el))) continue;
		return locate(el);
	}
	return '';
}`

// closeSelectors are tried in order after Escape fails to dismiss a modal.
var closeSelectors = []string{
	`[aria-label*="close" i]`,
	`[class*="close"]`,
	`button[class*="close"]`,
	`.modal button`,
	`[role="dialog"] button`,
}
