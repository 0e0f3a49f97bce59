package biz

import (
	"strings"

	"github.com/kart-io/docchat/pkg/errors"
)

// TopicPlaceholder 指令模板中的话题占位符。
const TopicPlaceholder = "{topic}"

// DefaultSystemPrompt 默认系统提示词。
const DefaultSystemPrompt = "Anda adalah Asisten Internal Audit PT Agrinas Pangan Nusantara. " +
	"Tugas Anda adalah menjelaskan secara komprehensif dan profesional."

// DefaultInstructionTemplate 默认指令模板：要求穷尽式分析的五项硬性要求。
const DefaultInstructionTemplate = `Tolong berikan analisis yang SANGAT PANJANG, LUAS, MENDETAIL, dan KOMPREHENSIF mengenai topik ini: "{topic}".

Saat menjawab, Anda WAJIB mematuhi instruksi berikut:
1. Cari SEMUA aturan, pasal, atau kebijakan di seluruh dokumen.
2. Jabarkan setiap poin secara eksplisit, jangan ada yang dipotong.
3. Sebutkan dengan jelas nama dokumen atau nomor SK sumber data tersebut.
4. Jika ada sebutan angka, nominal, atau persentase, tuliskan selengkapnya.
5. Susun jawaban dalam paragraf yang rapi dan menarik.`

// Composer 将用户话题包装为固定的分析指令。纯函数，无副作用。
type Composer struct {
	template string
}

// NewComposer 创建组合器。template 为空时使用默认模板；
// 非空模板必须包含 {topic} 占位符。
func NewComposer(template string) (*Composer, error) {
	if strings.TrimSpace(template) == "" {
		template = DefaultInstructionTemplate
	}
	if !strings.Contains(template, TopicPlaceholder) {
		return nil, errors.ErrPrecondition.WithMessagef("instruction template must contain %s", TopicPlaceholder)
	}
	return &Composer{template: template}, nil
}

// Template 返回当前模板。
func (c *Composer) Template() string {
	return c.template
}

// Compose 生成指令。空话题同样返回合法指令，话题处为空串。
func (c *Composer) Compose(topic string) string {
	return strings.ReplaceAll(c.template, TopicPlaceholder, strings.TrimSpace(topic))
}
