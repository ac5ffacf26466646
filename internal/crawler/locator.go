package crawler

// Locator is an XPath that re-resolves one DOM node for the lifetime of a
// page. It is either id-based or a root-anchored structural path.
type Locator string

// XPath returns the path used to query the live tree.
func (l Locator) XPath() string { return string(l) }

func (l Locator) String() string { return string(l) }

// LocateJS declares locate(el), which every scan script embeds so that all
// locators on a page come from one implementation.
//
// An id is used only when it is quote-free and getElementById resolves back
// to the same node. Otherwise each ancestor contributes tag[n], n being the
// 1-based position among same-tag siblings. Foreign-namespace nodes (svg)
// are matched by name() since plain name tests miss them in HTML documents.
const LocateJS = `
function locate(el) {
	if (el.id && !/["']/.test(el.id) && document.getElementById(el.id) === el) {
		return '//*[@id="' + el.id + '"]';
	}
	const XHTML = 'http://www.w3.org/1999/xhtml';
	const parts = [];
	for (let node = el; node && node.nodeType === Node.ELEMENT_NODE; node = node.parentElement) {
		let index = 1;
		for (let sib = node.previousElementSibling; sib; sib = sib.previousElementSibling) {
			if (sib.nodeName === node.nodeName) index++;
		}
		const tag = node.nodeName.toLowerCase();
		if (node.namespaceURI && node.namespaceURI !== XHTML) {
			parts.unshift('*[name()="' + node.nodeName + '"][' + index + ']');
		} else {
			parts.unshift(tag + '[' + index + ']');
		}
	}
	return '/' + parts.join('/');
}
`
