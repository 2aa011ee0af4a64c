package rewrite

import (
	"encoding/json"
	"fmt"
)

// InjectedAttr marks the interceptor script added by the rewriter.
const InjectedAttr = "data-proxy-injected"

// OriginalURLAttr holds an anchor's true absolute URL.
const OriginalURLAttr = "data-original-url"

const interceptorTemplate = `
(function(){
  var targetOrigin = %s;
  document.addEventListener('click', function(e){
    try {
      var a = e.target.closest && e.target.closest('a');
      if (!a) return;
      var originalUrl = a.getAttribute('data-original-url');
      if (!originalUrl) return;
      if (window.parent && window.parent !== window) {
        e.preventDefault();
        e.stopPropagation();
        a.style.opacity = '0.6';
        window.parent.postMessage({ type: 'proxy-navigate', url: originalUrl }, targetOrigin);
        setTimeout(function(){
          try { window.top.location.href = a.href; } catch (err) {}
        }, 250);
      }
    } catch (err) {
      console && console.warn && console.warn('[proxy] click handler error', err);
    }
  }, true);
})();
`

// interceptorScript renders the click interceptor. json.Marshal escapes <, >
// and &, so the origin cannot close the script element.
func interceptorScript(targetOrigin string) string {
	encoded, err := json.Marshal(targetOrigin)
	if err != nil {
		encoded = []byte(`""`)
	}
	return fmt.Sprintf(interceptorTemplate, encoded)
}
