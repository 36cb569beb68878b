package flow

const welcomeMessage = `🤖 Hi! I create AI photo sessions from your own photos.

How it works:
1. Train your personal model: send a name, a type and a few photos.
2. Generate photo sessions from text prompts.
3. Enjoy the results!`

const helpMessage = `📚 Available commands:

/start - Start working with the bot
/help - Show this help
/train - Train a new model
/generate - Generate images
/models - List your models
/credits - Show your credit balance
/cancel - Cancel the current operation`

const enterModelNameMessage = `✏️ What should your model be called?

Send a short name, for example your first name.`

const selectModelTypeMessage = `Who is the model of?`

const uploadPhotosMessage = `📸 Please upload 4-10 photos for model training.

Recommendations:
- Good quality photos
- Your face clearly visible
- Different angles and expressions
- No group photos
- No headphones, glasses or watches

Send the photos as a single album.`

const enterPromptMessage = `✍️ Describe the photo session you want.

The more precise the description, the better the result. Mention the style,
the surroundings and the mood, for example:
"professional business portrait in a modern office, confident, natural light"`

const unexpectedInputMessage = `🤔 I wasn't expecting that right now.

Use /train to train a model, /generate to create images, or /cancel to start over.`

const cancelledMessage = `Operation cancelled. Use /train or /generate to start again.`

const submissionFailedMessage = `❌ Something went wrong on our side and your request could not be submitted.

Please try again in a few minutes.`

const trainingStartedMessage = `🚀 Your photos were sent for training!

Training takes a while. I will message you as soon as your model is ready.`

const generationStartedMessage = `🎨 Generation started!

I will send the images here as soon as they are ready.`

const noModelsMessage = `You have no trained models yet. Use /train to create one.`

const noReadyModelsMessage = `None of your models has finished training yet. I will notify you when one is ready.`
