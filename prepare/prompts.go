package prepare

import "strings"

// Prompts are written in Traditional Chinese because the source documents
// and the evaluation questions are.

const promptVisionOnly = `請擔任專業的繁體中文文件轉寫專家。請閱讀附件的 PDF 頁面圖片，將頁面上的所有文字完整轉寫出來。

要求：
1. 依照原文的閱讀順序輸出，標題、段落、表格內容都不可遺漏
2. 表格請逐列轉寫，保留欄位名稱與對應數值
3. 數字、日期、金額請與圖片完全一致

輸出格式：
1. 請輸出「完整」文本，確保頁面上的所有內容皆有輸出
2. 請不要輸出任何與文本無關的其他字元
3. 請用繁體中文`

const promptTextOnly = `請擔任專業的繁體中文知識改寫專家，基於 OCR 轉換後的文本進行改寫，使其適合混合檢索（BM25 + 向量檢索）。

你的任務：
1. 修正 OCR 錯誤（錯字、漏字、語序顛倒），讓文本通順
2. 將表格或條列式內容改寫為完整敘述句，保留所有數據與背景資訊
3. 在不改變語意的前提下，自然加入常見的同義詞與近義詞，保留原有關鍵詞

---

請基於以下 OCR 文本進行改寫：
{{OCR}}

---

輸出格式：
1. 請輸出「完整」文本，確保文本上的所有內容皆有輸出
2. 請不要輸出任何與文本無關的其他字元
3. 請用繁體中文`

const promptCorrectOnly = `請擔任專業的繁體中文知識改寫專家，基於 OCR 轉換後的文本進行修正。

你的任務：
1. 修正 OCR 錯誤（錯字、漏字、語序顛倒），讓文本通順且符合語法

---

請基於以下 OCR 文本進行修正：
{{OCR}}

---

你可以參考附件的圖片，確認文本在原 PDF 上的呈現方式（表格或敘述句），以及各個文字與數字所代表的意義與位置。

輸出格式：
1. 請輸出「完整」文本，確保文本上的所有內容皆有輸出
2. 請不要輸出任何與文本無關的其他字元
3. 請用繁體中文`

const promptFull = `請擔任專業的繁體中文知識改寫專家，基於 OCR 轉換後的文本進行改寫，使其適合混合檢索（BM25 + 向量檢索）。

你的任務：
1. OCR 錯誤校正
- 修正錯字、漏字、語序顛倒，讓文本通順且符合語法
2. 向量檢索友善改寫
- 將表格或非敘述型內容改寫為連貫的敘述句，數據與背景資訊須完整
- 例如「日期：2022/03/03 公司：XX 公司 金額：YY 元」改寫為「2022 年 3 月 3 日，XX 公司共支出 YY 元。」
- 內容雜亂時請整理段落結構
3. BM25 檢索友善改寫
- 保留原有關鍵詞，並自然融入一般民眾提問時常用的同義詞與近義詞
- 避免過度堆疊同義詞，不可改變語意

---

請基於以下 OCR 文本進行改寫：
{{OCR}}

---

你可以參考附件的圖片，確認文本在原 PDF 上的呈現方式（表格或敘述句），以及各個文字與數字所代表的意義與位置。

輸出格式：
1. 請輸出「完整」文本，確保文本上的所有內容皆有輸出
2. 請不要輸出任何與文本無關的其他字元
3. 請用繁體中文`

func withOCR(prompt, ocrText string) string {
	return strings.Replace(prompt, "{{OCR}}", ocrText, 1)
}
