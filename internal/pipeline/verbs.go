package pipeline

import "sort"

// Verbs lists every dispatchable action verb, sorted, for route mounting.
func Verbs() []string {
	out := make([]string, 0, len(handlers)+2)
	for v := range handlers {
		out = append(out, v)
	}
	out = append(out, "run_steps", "page_rev")
	sort.Strings(out)
	return out
}

// handlers maps each verb to its implementation. run_steps and page_rev
// are handled in the dispatcher itself.
var handlers = map[string]handler{
	"navigate": handleNavigate,
	"back":     handleBack,
	"forward":  handleForward,
	"reload":   handleReload,

	"click":            handleClick,
	"dblclick":         handleDblClick,
	"fill":             handleFill,
	"type":             handleType,
	"press":            handlePress,
	"select":           handleSelect,
	"hover":            handleHover,
	"focus":            handleFocus,
	"check":            handleCheck,
	"uncheck":          handleUncheck,
	"scroll":           handleScroll,
	"scroll_into_view": handleScrollIntoView,
	"drag":             handleDrag,

	"mouse_move":  handleMouseMove,
	"mouse_down":  handleMouseDown,
	"mouse_up":    handleMouseUp,
	"key_down":    handleKeyDown,
	"key_up":      handleKeyUp,
	"click_at":    handleClickAt,
	"wheel":       handleWheel,
	"insert_text": handleInsertText,

	"bbox":    handleBBox,
	"eval":    handleEval,
	"extract": handleExtract,
	"get":     handleGet,
	"assert":  handleAssert,
	"find":    handleFind,

	"element_map":  handleElementMap,
	"snapshot_map": handleSnapshotMap,

	"screenshot":           handleScreenshot,
	"annotated_screenshot": handleAnnotatedScreenshot,
	"pdf":                  handlePDF,

	"wait_page_stable":  handleWaitPageStable,
	"wait_for_selector": handleWaitForSelector,
	"wait_for_url":      handleWaitForURL,
	"wait_for_response": handleWaitForResponse,
	"wait_text":         handleWaitText,
	"wait_load_state":   handleWaitLoadState,
	"wait_function":     handleWaitFunction,

	"scroll_until":    handleScrollUntil,
	"load_more_until": handleLoadMoreUntil,

	"upload":     handleUpload,
	"upload_url": handleUploadURL,
	"download":   handleDownload,

	"set_viewport":       handleSetViewport,
	"network_conditions": handleNetworkConditions,
	"clipboard_write":    handleClipboardWrite,
	"clipboard_read":     handleClipboardRead,
}
